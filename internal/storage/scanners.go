package storage

import (
	"database/sql"
	"time"

	"github.com/ernie/belltest/internal/domain"
)

// Null scanner helpers - reduce repetitive nil-checking code

func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanUser scans a user row from the database
func scanUser(s scanner) (*User, error) {
	var user User
	var lastLogin sql.NullTime
	err := s.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin,
		&user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	user.LastLogin = scanNullTime(lastLogin)
	return &user, nil
}

// scanTeam scans a team row including the completed-round count. Live slot
// occupancy is overlaid by the session manager, not stored here.
func scanTeam(s scanner) (*domain.Team, error) {
	var team domain.Team
	var status string
	err := s.Scan(&team.ID, &team.Name, &status, &team.CreatedAt, &team.RoundsPlayed)
	if err != nil {
		return nil, err
	}
	team.Status = domain.TeamStatus(status)
	return &team, nil
}
