package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ernie/belltest/internal/domain"
	_ "modernc.org/sqlite"
)

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store provides database access
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable foreign keys, WAL mode for better performance, and busy timeout for concurrency
	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	// Create tables
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// roundsPlayedSubquery counts completed rounds (both slots answered) per team.
const roundsPlayedSubquery = `(
	SELECT COUNT(*) FROM rounds r
	JOIN responses p1 ON p1.round_id = r.id AND p1.slot = 1
	JOIN responses p2 ON p2.round_id = r.id AND p2.slot = 2
	WHERE r.team_id = t.id
)`

// --- Team methods ---

// CreateTeam inserts a new team in waiting state. A live team already
// holding the name surfaces as domain.ErrDuplicateName via the partial
// unique index on teams(name).
func (s *Store) CreateTeam(ctx context.Context, name string) (*domain.Team, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (name, status, created_at)
		VALUES (?, ?, ?)
	`, name, string(domain.TeamWaiting), formatTimestamp(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateName
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &domain.Team{ID: id, Name: name, Status: domain.TeamWaiting, CreatedAt: now}, nil
}

// GetTeamByID returns a team with its completed-round count.
func (s *Store) GetTeamByID(ctx context.Context, id int64) (*domain.Team, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.status, t.created_at, `+roundsPlayedSubquery+` AS rounds_played
		FROM teams t WHERE t.id = ?
	`, id)
	team, err := scanTeam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTeamNotFound
	}
	return team, err
}

// FindInactiveTeamByName returns the most recent inactive team with the
// given name, for reactivation.
func (s *Store) FindInactiveTeamByName(ctx context.Context, name string) (*domain.Team, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.status, t.created_at, `+roundsPlayedSubquery+` AS rounds_played
		FROM teams t WHERE t.name = ? AND t.status = ?
		ORDER BY t.id DESC LIMIT 1
	`, name, string(domain.TeamInactive))
	team, err := scanTeam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTeamNotFound
	}
	return team, err
}

// ListTeams returns all teams, newest first.
func (s *Store) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.status, t.created_at, `+roundsPlayedSubquery+` AS rounds_played
		FROM teams t ORDER BY t.id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []domain.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *team)
	}
	return teams, rows.Err()
}

// UpdateTeamStatus persists a lifecycle transition. Reactivating a name
// another live team claimed in the meantime fails with ErrDuplicateName.
func (s *Store) UpdateTeamStatus(ctx context.Context, id int64, status domain.TeamStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE teams SET status = ? WHERE id = ?
	`, string(status), id)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateName
		}
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return domain.ErrTeamNotFound
	}
	return nil
}

// DeactivateAllTeams marks every team inactive. Called on startup (live
// sockets are gone) and on full session reset. Round history is retained.
func (s *Store) DeactivateAllTeams(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE teams SET status = ? WHERE status != ?
	`, string(domain.TeamInactive), string(domain.TeamInactive))
	return err
}

// --- Round methods ---

// CreateRound persists a scheduled stimulus deal.
func (s *Store) CreateRound(ctx context.Context, teamID int64, seq int, items [2]domain.Symbol) (*domain.Round, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rounds (team_id, seq, item1, item2, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, teamID, seq, string(items[0]), string(items[1]), formatTimestamp(now))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &domain.Round{ID: id, TeamID: teamID, Seq: seq, Items: items, CreatedAt: now}, nil
}

// GetLastRoundSeq returns the highest round sequence ever dealt to a
// team, or 0 for a fresh team. Abandoned rounds count: sequence numbers
// are never reused.
func (s *Store) GetLastRoundSeq(ctx context.Context, teamID int64) (int, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM rounds WHERE team_id = ?
	`, teamID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return int(seq.Int64), nil
}

// CreateResponse records one slot's answer. A second answer for the same
// slot surfaces as domain.ErrDuplicateAnswer.
func (s *Store) CreateResponse(ctx context.Context, roundID int64, slot int, value bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (round_id, slot, value, created_at)
		VALUES (?, ?, ?, ?)
	`, roundID, slot, value, formatTimestamp(time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateAnswer
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return domain.ErrRoundNotFound
		}
		return err
	}
	return nil
}

// GetCompletedRounds returns the team's full history of rounds where both
// slots answered, in sequence order. This is the statistics engine input.
func (s *Store) GetCompletedRounds(ctx context.Context, teamID int64) ([]domain.CompletedRound, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.seq, r.item1, r.item2, p1.value, p2.value
		FROM rounds r
		JOIN responses p1 ON p1.round_id = r.id AND p1.slot = 1
		JOIN responses p2 ON p2.round_id = r.id AND p2.slot = 2
		WHERE r.team_id = ?
		ORDER BY r.seq
	`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.CompletedRound
	for rows.Next() {
		var cr domain.CompletedRound
		var item1, item2 string
		if err := rows.Scan(&cr.Seq, &item1, &item2, &cr.Values[0], &cr.Values[1]); err != nil {
			return nil, err
		}
		cr.Items[0] = domain.Symbol(item1)
		cr.Items[1] = domain.Symbol(item2)
		history = append(history, cr)
	}
	return history, rows.Err()
}

// GetComboCounts returns how many completed rounds each ordered item
// combination has, for scheduler rehydration after reactivation.
func (s *Store) GetComboCounts(ctx context.Context, teamID int64) (map[[2]domain.Symbol]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.item1, r.item2, COUNT(*)
		FROM rounds r
		JOIN responses p1 ON p1.round_id = r.id AND p1.slot = 1
		JOIN responses p2 ON p2.round_id = r.id AND p2.slot = 2
		WHERE r.team_id = ?
		GROUP BY r.item1, r.item2
	`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[[2]domain.Symbol]int)
	for rows.Next() {
		var item1, item2 string
		var n int
		if err := rows.Scan(&item1, &item2, &n); err != nil {
			return nil, err
		}
		counts[[2]domain.Symbol{domain.Symbol(item1), domain.Symbol(item2)}] = n
	}
	return counts, rows.Err()
}

// ResponseLogEntry is one answer row in the export log.
type ResponseLogEntry struct {
	Seq   int
	Slot  int
	Item  domain.Symbol
	Value bool
	At    time.Time
}

// GetResponseLog returns every recorded answer for a team, including those
// from rounds the partner never finished, ordered by round and slot.
func (s *Store) GetResponseLog(ctx context.Context, teamID int64) ([]ResponseLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.seq, p.slot, CASE p.slot WHEN 1 THEN r.item1 ELSE r.item2 END, p.value, p.created_at
		FROM responses p
		JOIN rounds r ON r.id = p.round_id
		WHERE r.team_id = ?
		ORDER BY r.seq, p.slot
	`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var log []ResponseLogEntry
	for rows.Next() {
		var e ResponseLogEntry
		var item string
		if err := rows.Scan(&e.Seq, &e.Slot, &item, &e.Value, &e.At); err != nil {
			return nil, err
		}
		e.Item = domain.Symbol(item)
		log = append(log, e)
	}
	return log, rows.Err()
}

// --- User methods ---

// User represents an authenticated user
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// CreateUser creates a new user account
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, is_admin)
		VALUES (?, ?, ?)
	`, username, passwordHash, isAdmin)
	return err
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at, last_login
		FROM users WHERE username = ?
	`, username)
	return scanUser(row)
}

// GetUserByID retrieves a user by ID
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at, last_login
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// DeleteUser removes a user by username
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user not found: %s", username)
	}
	return nil
}

// ListUsers returns all users with details
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at, last_login
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpdateUserLastLogin updates the last login timestamp
func (s *Store) UpdateUserLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE id = ?
	`, userID)
	return err
}

// UpdateUserPassword updates a user's password hash
func (s *Store) UpdateUserPassword(ctx context.Context, userID int64, newPasswordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ? WHERE id = ?
	`, newPasswordHash, userID)
	return err
}

// UpdateUserAdmin sets or clears a user's admin flag
func (s *Store) UpdateUserAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_admin = ? WHERE id = ?
	`, isAdmin, userID)
	return err
}
