// Package session owns all live experiment state: connections, team
// occupancy, reconnection tokens, round scheduling and the statistics
// cache. One mutex guards the in-memory state; store reads and writes
// never happen while it is held. Mutations reserve in memory, persist
// outside the lock, then commit or roll back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ernie/belltest/internal/bus"
	"github.com/ernie/belltest/internal/cache"
	"github.com/ernie/belltest/internal/config"
	"github.com/ernie/belltest/internal/domain"
	"github.com/ernie/belltest/internal/metrics"
	"github.com/ernie/belltest/internal/stats"
	"github.com/ernie/belltest/internal/storage"
)

const tokenPurgeInterval = 30 * time.Second

// roundState is the in-flight round of one team. Answers are reserved
// before their store write; saved flips once the row is durable, and the
// round completes when both slots are saved.
type roundState struct {
	id      int64
	seq     int
	items   [2]domain.Symbol
	answers [2]*bool
	saved   [2]bool
}

// teamState is the live state of one non-inactive team.
type teamState struct {
	id              int64
	name            string
	createdAt       time.Time
	slots           [2]string // conn ids, "" when free
	sched           *scheduler
	current         *roundState
	pending         bool // a round insert is in flight
	finished        bool // budget exhausted
	lastSeq         int
	completedRounds int
}

func (ts *teamState) occupied() int {
	n := 0
	for _, c := range ts.slots {
		if c != "" {
			n++
		}
	}
	return n
}

// freeSlot returns the lowest unoccupied slot number, or 0 when full.
func (ts *teamState) freeSlot() int {
	for i, c := range ts.slots {
		if c == "" {
			return i + 1
		}
	}
	return 0
}

func (ts *teamState) snapshot() domain.Team {
	return domain.Team{
		ID:           ts.id,
		Name:         ts.name,
		Status:       domain.StatusForOccupancy(ts.occupied()),
		SlotsFilled:  ts.occupied(),
		RoundsPlayed: ts.completedRounds,
		CreatedAt:    ts.createdAt,
	}
}

// Summary is the lightweight dashboard payload: session state plus
// roster-level counts.
type Summary struct {
	State        domain.SessionState   `json:"state"`
	Mode         domain.AssignmentMode `json:"mode"`
	Players      int                   `json:"players"`
	LiveTeams    int                   `json:"live_teams"`
	ActiveTeams  int                   `json:"active_teams"`
	RoundsPlayed int                   `json:"rounds_played"`
}

// Manager is the session engine.
type Manager struct {
	cfg   *config.Config
	store *storage.Store
	bus   *bus.Bus
	cache *cache.Cache

	mu       sync.Mutex
	registry *registry
	teams    map[int64]*teamState
	byName   map[string]int64 // live teams only
	tokens   *tokenBook
	mode     domain.AssignmentMode
	state    domain.SessionState
	rng      *rand.Rand

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates the session manager. The assignment mode comes from
// config and must be valid.
func New(cfg *config.Config, store *storage.Store, b *bus.Bus) (*Manager, error) {
	mode := domain.AssignmentMode(cfg.Game.AssignmentMode)
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown assignment mode %q", cfg.Game.AssignmentMode)
	}
	now := time.Now()
	return &Manager{
		cfg:      cfg,
		store:    store,
		bus:      b,
		cache:    cache.New(cfg.Dashboard.CacheCapacity),
		registry: newRegistry(),
		teams:    make(map[int64]*teamState),
		byName:   make(map[string]int64),
		tokens:   newTokenBook(),
		mode:     mode,
		state:    domain.SessionRunning,
		rng:      rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(now.Unix()))),
		done:     make(chan struct{}),
	}, nil
}

// Start resets persisted team liveness (sockets do not survive a restart)
// and launches the token janitor.
func (m *Manager) Start() error {
	if err := m.store.DeactivateAllTeams(context.Background()); err != nil {
		return fmt.Errorf("deactivating stale teams: %w", err)
	}

	m.wg.Add(1)
	go m.janitor()
	log.Printf("Session: manager started (mode %s)", m.mode)
	return nil
}

// Stop halts background work. In-flight operations finish on their own
// goroutines.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
	log.Println("Session: manager stopped")
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			m.tokens.purge(time.Now())
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) publish(subject string, eventType string, teamID int64, data interface{}) {
	evt := domain.Event{
		Type:      eventType,
		TeamID:    teamID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := m.bus.Publish(subject, evt); err != nil {
		log.Printf("Session: publishing %s failed: %v", eventType, err)
	}
}

func (m *Manager) publishTeamStatus(team domain.Team, slot int, cause string, reconnected bool) {
	m.publish(bus.TeamSubject(team.ID), domain.EventTeamStatus, team.ID, domain.TeamStatusEvent{
		Team:        team,
		Slot:        slot,
		Cause:       cause,
		Reconnected: reconnected,
	})
}

func (m *Manager) publishSessionChanged() {
	m.mu.Lock()
	data := domain.SessionChangedEvent{State: m.state, Mode: m.mode}
	m.mu.Unlock()
	m.publish(bus.SubjectSession, domain.EventSessionChanged, 0, data)
}

func (m *Manager) activeTeamsLocked() int {
	n := 0
	for _, ts := range m.teams {
		if ts.occupied() == domain.NumSlots {
			n++
		}
	}
	return n
}

func (m *Manager) newTeamSchedulerLocked(counts map[[2]domain.Symbol]int) *scheduler {
	return newScheduler(m.mode, m.cfg.Game.TargetRepeats, m.cfg.Game.MaxRounds, counts, m.rng)
}

// --- Connection lifecycle ---

// Connect registers a live connection and returns its identity. A client
// may propose the id it was issued before a transport drop; the proposal
// is kept unless it is malformed or already live, which preserves
// identity across reconnects.
func (m *Manager) Connect(proposed string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := proposed
	if _, err := uuid.Parse(id); err != nil || !m.registry.register(id) {
		id = uuid.NewString()
		m.registry.register(id)
	}
	metrics.UpdatePlayerConnections(m.registry.count())
	return id
}

// Disconnect removes a connection, vacating its team slot if it held
// one. Idempotent: duplicate disconnects are a no-op and never issue a
// second reconnection token.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	if !m.registry.isLive(connID) {
		m.mu.Unlock()
		return
	}
	teamID, slot, bound := m.registry.lookup(connID)
	m.registry.unregister(connID)
	metrics.UpdatePlayerConnections(m.registry.count())
	if !bound {
		m.mu.Unlock()
		return
	}
	res := m.vacateSlotLocked(m.teams[teamID], slot, connID)
	m.mu.Unlock()

	m.finishVacate(res)
}

// LeaveTeam vacates the connection's slot but keeps the connection live.
func (m *Manager) LeaveTeam(connID string) error {
	m.mu.Lock()
	teamID, slot, bound := m.registry.lookup(connID)
	if !bound {
		m.mu.Unlock()
		return domain.ErrNotInTeam
	}
	m.registry.unbind(connID)
	res := m.vacateSlotLocked(m.teams[teamID], slot, connID)
	m.mu.Unlock()

	m.finishVacate(res)
	return nil
}

type vacateResult struct {
	team      domain.Team
	slot      int
	newStatus domain.TeamStatus
}

// vacateSlotLocked clears a slot and applies the resulting transition:
// a paired team degrades to waiting and gets a reconnection token for
// the leaver, an empty team goes inactive and loses its pending tokens.
// Cache invalidation happens here, in the same critical section as the
// mutation. Caller holds the mutex.
func (m *Manager) vacateSlotLocked(ts *teamState, slot int, connID string) vacateResult {
	wasPaired := ts.occupied() == domain.NumSlots
	ts.slots[slot-1] = ""

	if wasPaired {
		m.tokens.issue(ts.id, slot, connID, m.cfg.Game.ReconnectTTL)
		log.Printf("Session: team %q slot %d vacated, reconnect window %s", ts.name, slot, m.cfg.Game.ReconnectTTL)
	}
	newStatus := domain.StatusForOccupancy(ts.occupied())
	if newStatus == domain.TeamInactive {
		m.tokens.discardTeam(ts.id)
		delete(m.byName, ts.name)
		delete(m.teams, ts.id)
	}
	m.cache.InvalidateTeam(ts.id)
	metrics.UpdateActiveTeams(m.activeTeamsLocked())

	return vacateResult{team: ts.snapshot(), slot: slot, newStatus: newStatus}
}

// finishVacate mirrors the transition to the store and announces it. The
// in-memory state is authoritative for liveness; a failed mirror write is
// logged and healed by the next startup sweep.
func (m *Manager) finishVacate(res vacateResult) {
	if err := m.store.UpdateTeamStatus(context.Background(), res.team.ID, res.newStatus); err != nil {
		metrics.RecordStoreError()
		log.Printf("Session: persisting status of team %d failed: %v", res.team.ID, err)
	}
	m.publishTeamStatus(res.team, res.slot, domain.CauseLeave, false)
}

// --- Team lifecycle ---

// CreateTeam creates a team named name with the connection in slot 1.
// The name must not collide with any live team; inactive teams do not
// reserve their names.
func (m *Manager) CreateTeam(ctx context.Context, connID, name string) error {
	m.mu.Lock()
	if !m.registry.isLive(connID) {
		m.mu.Unlock()
		return domain.ErrNotInTeam
	}
	if _, _, bound := m.registry.lookup(connID); bound {
		m.mu.Unlock()
		return domain.ErrAlreadyInTeam
	}
	if _, exists := m.byName[name]; exists {
		m.mu.Unlock()
		return domain.ErrDuplicateName
	}
	m.mu.Unlock()

	row, err := m.store.CreateTeam(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateName) {
			return err
		}
		metrics.RecordStoreError()
		return fmt.Errorf("persisting team: %w", err)
	}

	m.mu.Lock()
	_, _, boundNow := m.registry.lookup(connID)
	if !m.registry.isLive(connID) || boundNow {
		m.mu.Unlock()
		if derr := m.store.UpdateTeamStatus(ctx, row.ID, domain.TeamInactive); derr != nil {
			log.Printf("Session: abandoning team %d failed: %v", row.ID, derr)
		}
		return domain.ErrNotInTeam
	}
	ts := &teamState{
		id:        row.ID,
		name:      name,
		createdAt: row.CreatedAt,
		sched:     m.newTeamSchedulerLocked(nil),
	}
	ts.slots[0] = connID
	m.registry.bind(connID, row.ID, 1)
	m.teams[row.ID] = ts
	m.byName[name] = row.ID
	team := ts.snapshot()
	m.mu.Unlock()

	log.Printf("Session: team %q created (id %d)", name, row.ID)
	m.publishTeamStatus(team, 1, domain.CauseCreate, false)
	return nil
}

// JoinTeam fills a free slot of a live team. When the joining identity
// holds an unexpired reconnection token for the team, the join is a
// reconnection: the original slot is restored and the token consumed.
// A pending token alone never makes a different identity a reconnection.
func (m *Manager) JoinTeam(ctx context.Context, connID, name string) (reconnected bool, err error) {
	m.mu.Lock()
	if !m.registry.isLive(connID) {
		m.mu.Unlock()
		return false, domain.ErrNotInTeam
	}
	if _, _, bound := m.registry.lookup(connID); bound {
		m.mu.Unlock()
		return false, domain.ErrAlreadyInTeam
	}
	id, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return false, domain.ErrTeamNotFound
	}
	ts := m.teams[id]

	var slot int
	var redeemed *token
	if tok, ok := m.tokens.redeem(id, connID, time.Now()); ok && ts.slots[tok.slot-1] == "" {
		slot = tok.slot
		redeemed = &tok
	} else {
		slot = ts.freeSlot()
		if slot == 0 {
			m.mu.Unlock()
			return false, domain.ErrTeamFull
		}
		// An ordinary join claims the slot out from under any
		// pending token.
		m.tokens.discardSlot(id, slot)
	}
	ts.slots[slot-1] = connID
	m.registry.bind(connID, id, slot)
	m.cache.InvalidateTeam(id)
	newStatus := domain.StatusForOccupancy(ts.occupied())
	m.mu.Unlock()

	if err := m.store.UpdateTeamStatus(ctx, id, newStatus); err != nil {
		m.mu.Lock()
		ts.slots[slot-1] = ""
		m.registry.unbind(connID)
		if redeemed != nil {
			m.tokens.restore(*redeemed)
		}
		m.mu.Unlock()
		metrics.RecordStoreError()
		return false, fmt.Errorf("persisting team status: %w", err)
	}

	m.mu.Lock()
	if ts.slots[slot-1] != connID {
		// The joiner disconnected while the status write was in
		// flight; Disconnect already cleaned up after it.
		m.mu.Unlock()
		return false, domain.ErrNotInTeam
	}
	reconnected = redeemed != nil
	var resend *domain.NextStimulusEvent
	if reconnected && ts.current != nil && ts.current.answers[slot-1] == nil {
		resend = &domain.NextStimulusEvent{
			RoundID: ts.current.id,
			Seq:     ts.current.seq,
			Item:    ts.current.items[slot-1],
		}
	}
	schedule := ts.occupied() == domain.NumSlots && ts.current == nil && !ts.pending &&
		m.state == domain.SessionRunning
	team := ts.snapshot()
	metrics.UpdateActiveTeams(m.activeTeamsLocked())
	m.mu.Unlock()

	cause := domain.CauseJoin
	if reconnected {
		cause = domain.CauseReconnect
		metrics.RecordReconnect()
		log.Printf("Session: conn %s reconnected to team %q slot %d", connID, name, slot)
	}
	m.publishTeamStatus(team, slot, cause, reconnected)
	if resend != nil {
		m.publish(bus.PlayerSubject(connID), domain.EventNextStimulus, id, *resend)
	}
	if schedule {
		if err := m.ScheduleRound(ctx, id); err != nil {
			log.Printf("Session: scheduling for team %q failed: %v", name, err)
		}
	}
	return reconnected, nil
}

// ReconnectTeam redeems an explicit reconnection token. A token that is
// not the caller's own identity is invalid and degrades to an ordinary
// join, never a hard failure.
func (m *Manager) ReconnectTeam(ctx context.Context, connID, name, tok string) (bool, error) {
	if tok != connID {
		log.Printf("Session: conn %s presented a foreign reconnect token for %q, joining normally", connID, name)
	}
	return m.JoinTeam(ctx, connID, name)
}

// ReactivateTeam revives an inactive team by name, occupying slot 1.
// Scheduler coverage counts are rehydrated from the persisted round
// history. Distinct from token reconnection.
func (m *Manager) ReactivateTeam(ctx context.Context, connID, name string) error {
	m.mu.Lock()
	if !m.registry.isLive(connID) {
		m.mu.Unlock()
		return domain.ErrNotInTeam
	}
	if _, _, bound := m.registry.lookup(connID); bound {
		m.mu.Unlock()
		return domain.ErrAlreadyInTeam
	}
	if _, exists := m.byName[name]; exists {
		m.mu.Unlock()
		return domain.ErrTeamNotInactive
	}
	m.mu.Unlock()

	row, err := m.store.FindInactiveTeamByName(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrTeamNotFound) {
			return err
		}
		metrics.RecordStoreError()
		return fmt.Errorf("looking up team %q: %w", name, err)
	}
	counts, err := m.store.GetComboCounts(ctx, row.ID)
	if err != nil {
		metrics.RecordStoreError()
		return fmt.Errorf("loading round history: %w", err)
	}
	lastSeq, err := m.store.GetLastRoundSeq(ctx, row.ID)
	if err != nil {
		metrics.RecordStoreError()
		return fmt.Errorf("loading round history: %w", err)
	}
	if err := m.store.UpdateTeamStatus(ctx, row.ID, domain.TeamWaiting); err != nil {
		if errors.Is(err, domain.ErrDuplicateName) {
			return domain.ErrTeamNotInactive
		}
		metrics.RecordStoreError()
		return fmt.Errorf("persisting team status: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.teams[row.ID]; exists {
		// A concurrent reactivation won; leave its state alone.
		m.mu.Unlock()
		return domain.ErrTeamNotInactive
	}
	if !m.registry.isLive(connID) {
		m.mu.Unlock()
		if derr := m.store.UpdateTeamStatus(ctx, row.ID, domain.TeamInactive); derr != nil {
			log.Printf("Session: re-parking team %d failed: %v", row.ID, derr)
		}
		return domain.ErrNotInTeam
	}
	ts := &teamState{
		id:              row.ID,
		name:            name,
		createdAt:       row.CreatedAt,
		sched:           m.newTeamSchedulerLocked(counts),
		lastSeq:         lastSeq,
		completedRounds: row.RoundsPlayed,
	}
	ts.slots[0] = connID
	m.registry.bind(connID, row.ID, 1)
	m.teams[row.ID] = ts
	m.byName[name] = row.ID
	team := ts.snapshot()
	m.mu.Unlock()

	log.Printf("Session: team %q reactivated with %d rounds of history", name, row.RoundsPlayed)
	m.publishTeamStatus(team, 1, domain.CauseReactivate, false)
	return nil
}

// --- Rounds ---

// ScheduleRound deals the next stimulus pair to a fully paired team.
// Calling it while a round is in flight, mid-persist or during a pause
// is a no-op; an incomplete team is an error. When the budget is
// exhausted the team is marked finished and announced once.
func (m *Manager) ScheduleRound(ctx context.Context, teamID int64) error {
	m.mu.Lock()
	ts, ok := m.teams[teamID]
	if !ok {
		m.mu.Unlock()
		return domain.ErrTeamNotFound
	}
	if ts.occupied() < domain.NumSlots {
		m.mu.Unlock()
		return domain.ErrTeamIncomplete
	}
	if ts.current != nil || ts.pending {
		m.mu.Unlock()
		return nil
	}
	if m.state == domain.SessionPaused {
		m.mu.Unlock()
		return nil
	}
	items, ok := ts.sched.draw()
	if !ok {
		alreadyDone := ts.finished
		ts.finished = true
		rounds := ts.completedRounds
		m.mu.Unlock()
		if !alreadyDone {
			log.Printf("Session: team %q completed its %d-round budget", ts.name, rounds)
			m.publish(bus.TeamSubject(teamID), domain.EventTeamCompleted, teamID,
				domain.TeamCompletedEvent{RoundsPlayed: rounds})
		}
		return nil
	}
	ts.pending = true
	seq := ts.lastSeq + 1
	m.mu.Unlock()

	round, err := m.store.CreateRound(ctx, teamID, seq, items)
	if err != nil {
		m.mu.Lock()
		ts.pending = false
		m.mu.Unlock()
		metrics.RecordStoreError()
		return fmt.Errorf("persisting round: %w", err)
	}

	m.mu.Lock()
	ts.pending = false
	ts.lastSeq = seq
	ts.current = &roundState{id: round.ID, seq: seq, items: items}
	recipients := ts.slots
	m.mu.Unlock()

	metrics.RecordRoundScheduled()
	for i, conn := range recipients {
		if conn == "" {
			continue
		}
		m.publish(bus.PlayerSubject(conn), domain.EventNextStimulus, teamID, domain.NextStimulusEvent{
			RoundID: round.ID,
			Seq:     seq,
			Item:    items[i],
		})
	}
	return nil
}

// SubmitResponse records a slot's answer to the team's current round.
// The round completes once both answers are durable; completion fires
// the round summary, invalidates the team's cached statistics and
// schedules the next round.
func (m *Manager) SubmitResponse(ctx context.Context, connID string, roundID int64, value bool) error {
	m.mu.Lock()
	teamID, slot, bound := m.registry.lookup(connID)
	if !bound {
		m.mu.Unlock()
		return domain.ErrNotInTeam
	}
	ts := m.teams[teamID]
	if ts.current == nil {
		m.mu.Unlock()
		return domain.ErrRoundNotFound
	}
	if ts.current.id != roundID {
		m.mu.Unlock()
		return domain.ErrStaleRound
	}
	if ts.current.answers[slot-1] != nil {
		m.mu.Unlock()
		return domain.ErrDuplicateAnswer
	}
	v := value
	ts.current.answers[slot-1] = &v
	m.mu.Unlock()

	if err := m.store.CreateResponse(ctx, roundID, slot, value); err != nil {
		m.mu.Lock()
		if ts.current != nil && ts.current.id == roundID {
			ts.current.answers[slot-1] = nil
		}
		m.mu.Unlock()
		if !errors.Is(err, domain.ErrDuplicateAnswer) {
			metrics.RecordStoreError()
			return fmt.Errorf("persisting response: %w", err)
		}
		return err
	}

	m.mu.Lock()
	var completed *domain.CompletedRound
	if cur := ts.current; cur != nil && cur.id == roundID {
		cur.saved[slot-1] = true
		if cur.saved[0] && cur.saved[1] {
			completed = &domain.CompletedRound{
				Seq:    cur.seq,
				Items:  cur.items,
				Values: [2]bool{*cur.answers[0], *cur.answers[1]},
			}
			ts.completedRounds++
			ts.sched.recordCompleted(cur.items)
			ts.current = nil
			m.cache.InvalidateTeam(teamID)
		}
	}
	schedule := completed != nil && ts.occupied() == domain.NumSlots &&
		m.state == domain.SessionRunning
	m.mu.Unlock()

	if completed == nil {
		return nil
	}
	metrics.RecordRoundCompleted()
	evt := domain.RoundCompletedEvent{
		RoundID: roundID,
		Seq:     completed.Seq,
		Items:   completed.Items,
		Values:  completed.Values,
	}
	if win, ok := stats.GameSuccess(*completed); ok {
		evt.Success = &win
	}
	m.publish(bus.TeamSubject(teamID), domain.EventRoundCompleted, teamID, evt)
	if schedule {
		if err := m.ScheduleRound(ctx, teamID); err != nil {
			log.Printf("Session: scheduling next round for team %d failed: %v", teamID, err)
		}
	}
	return nil
}

// --- Session controls ---

// Pause stops new rounds from being dealt. In-flight rounds may still
// complete.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.state = domain.SessionPaused
	m.mu.Unlock()
	log.Println("Session: paused")
	m.publishSessionChanged()
}

// Resume restarts round scheduling and deals to every paired team that
// is between rounds.
func (m *Manager) Resume(ctx context.Context) {
	m.mu.Lock()
	m.state = domain.SessionRunning
	var due []int64
	for id, ts := range m.teams {
		if ts.occupied() == domain.NumSlots && ts.current == nil && !ts.pending && !ts.finished {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	log.Println("Session: running")
	m.publishSessionChanged()
	for _, id := range due {
		if err := m.ScheduleRound(ctx, id); err != nil {
			log.Printf("Session: scheduling for team %d failed: %v", id, err)
		}
	}
}

// Reset deactivates every team, discards tokens and bindings, and
// physically clears the statistics cache. Round history stays in the
// store. Connections survive and may create or join teams again.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	var affected []domain.Team
	for id, ts := range m.teams {
		for _, conn := range ts.slots {
			if conn != "" {
				m.registry.unbind(conn)
			}
		}
		m.tokens.discardTeam(id)
		team := ts.snapshot()
		team.Status = domain.TeamInactive
		team.SlotsFilled = 0
		affected = append(affected, team)
	}
	m.teams = make(map[int64]*teamState)
	m.byName = make(map[string]int64)
	m.cache.Clear()
	m.state = domain.SessionRunning
	metrics.UpdateActiveTeams(0)
	m.mu.Unlock()

	if err := m.store.DeactivateAllTeams(ctx); err != nil {
		metrics.RecordStoreError()
		log.Printf("Session: deactivating teams failed: %v", err)
	}
	log.Printf("Session: reset, %d teams deactivated", len(affected))
	for _, team := range affected {
		m.publishTeamStatus(team, 0, domain.CauseReset, false)
	}
	m.publishSessionChanged()
}

// ToggleMode flips the assignment mode. Coverage counts restart and the
// cache is cleared; team membership and round history survive. Returns
// the new mode.
func (m *Manager) ToggleMode(ctx context.Context) domain.AssignmentMode {
	m.mu.Lock()
	if m.mode == domain.ModeUnrestricted {
		m.mode = domain.ModeRoleRestricted
	} else {
		m.mode = domain.ModeUnrestricted
	}
	newMode := m.mode
	var due []int64
	for id, ts := range m.teams {
		ts.sched = m.newTeamSchedulerLocked(nil)
		ts.finished = false
		if ts.occupied() == domain.NumSlots && ts.current == nil && !ts.pending && m.state == domain.SessionRunning {
			due = append(due, id)
		}
	}
	m.cache.Clear()
	m.mu.Unlock()

	log.Printf("Session: assignment mode now %s", newMode)
	m.publishSessionChanged()
	for _, id := range due {
		if err := m.ScheduleRound(ctx, id); err != nil {
			log.Printf("Session: scheduling for team %d failed: %v", id, err)
		}
	}
	return newMode
}

// --- Queries ---

// Summary returns the cheap roster-level counts for dashboards.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		State:       m.state,
		Mode:        m.mode,
		Players:     m.registry.count(),
		LiveTeams:   len(m.teams),
		ActiveTeams: m.activeTeamsLocked(),
	}
	for _, ts := range m.teams {
		s.RoundsPlayed += ts.completedRounds
	}
	return s
}

// Roster returns snapshots of every live team, oldest first.
func (m *Manager) Roster() []domain.Team {
	m.mu.Lock()
	teams := make([]domain.Team, 0, len(m.teams))
	for _, ts := range m.teams {
		teams = append(teams, ts.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams
}

// TeamMembers returns the conn ids currently occupying the team's slots.
func (m *Manager) TeamMembers(teamID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.teams[teamID]
	if !ok {
		return nil
	}
	var members []string
	for _, conn := range ts.slots {
		if conn != "" {
			members = append(members, conn)
		}
	}
	return members
}

// ListTeams returns all persisted teams with live occupancy overlaid.
func (m *Manager) ListTeams(ctx context.Context) ([]domain.Team, error) {
	teams, err := m.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for i := range teams {
		m.overlayLocked(&teams[i])
	}
	m.mu.Unlock()
	return teams, nil
}

// GetTeam returns one persisted team with live occupancy overlaid.
func (m *Manager) GetTeam(ctx context.Context, id int64) (*domain.Team, error) {
	team, err := m.store.GetTeamByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.overlayLocked(team)
	m.mu.Unlock()
	return team, nil
}

func (m *Manager) overlayLocked(team *domain.Team) {
	if ts, ok := m.teams[team.ID]; ok {
		team.Status = domain.StatusForOccupancy(ts.occupied())
		team.SlotsFilled = ts.occupied()
		team.RoundsPlayed = ts.completedRounds
	}
}

// TeamStats returns the team's statistics report through the cache.
// A valid cached report is served as is; otherwise the history is read
// and the report recomputed outside any lock, then cached. If the store
// read fails and a stale report is resident, the stale report is served
// rather than nothing.
func (m *Manager) TeamStats(ctx context.Context, teamID int64) (*stats.Report, error) {
	key := cache.Key{TeamID: teamID, Kind: cache.KindStats}
	v, valid := m.cache.Get(key)
	if valid {
		metrics.RecordCacheHit()
		return v.(*stats.Report), nil
	}
	if v == nil {
		metrics.RecordCacheMiss()
	} else {
		metrics.RecordCacheStale()
	}

	start := time.Now()
	history, err := m.store.GetCompletedRounds(ctx, teamID)
	if err != nil {
		metrics.RecordStoreError()
		if v != nil {
			log.Printf("Session: stats for team %d unavailable, serving stale: %v", teamID, err)
			return v.(*stats.Report), nil
		}
		return nil, fmt.Errorf("loading round history: %w", err)
	}
	report := stats.Compute(history)
	metrics.RecordStatsRecompute(time.Since(start).Seconds())
	m.cache.Set(key, &report)
	return &report, nil
}

// State returns the current run state and assignment mode.
func (m *Manager) State() (domain.SessionState, domain.AssignmentMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.mode
}
