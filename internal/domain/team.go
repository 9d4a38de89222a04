package domain

import "time"

// Symbol is one of the four stimulus items dealt to team slots each round.
type Symbol string

const (
	SymbolA1 Symbol = "A1"
	SymbolA2 Symbol = "A2"
	SymbolB1 Symbol = "B1"
	SymbolB2 Symbol = "B2"
)

// Symbols is the full alphabet in canonical order. Index math throughout the
// scheduler and statistics engine relies on this ordering.
var Symbols = [4]Symbol{SymbolA1, SymbolA2, SymbolB1, SymbolB2}

// SymbolIndex returns the canonical index of s, or -1 for an unknown symbol.
func SymbolIndex(s Symbol) int {
	for i, v := range Symbols {
		if v == s {
			return i
		}
	}
	return -1
}

// FirstHalf reports whether s belongs to the slot-1 alphabet {A1, A2}
// under role-restricted assignment.
func (s Symbol) FirstHalf() bool {
	return s == SymbolA1 || s == SymbolA2
}

// AssignmentMode controls which symbols each slot may be dealt.
type AssignmentMode string

const (
	// ModeUnrestricted deals every slot from the full alphabet.
	ModeUnrestricted AssignmentMode = "unrestricted"
	// ModeRoleRestricted deals slot 1 from {A1, A2} and slot 2 from {B1, B2}.
	ModeRoleRestricted AssignmentMode = "role_restricted"
)

// Valid reports whether m is a known assignment mode.
func (m AssignmentMode) Valid() bool {
	switch m {
	case ModeUnrestricted, ModeRoleRestricted:
		return true
	}
	return false
}

// TeamStatus is the lifecycle state of a team, derived from slot occupancy.
type TeamStatus string

const (
	TeamActive   TeamStatus = "active"       // both slots occupied
	TeamWaiting  TeamStatus = "waiting_pair" // exactly one slot occupied
	TeamInactive TeamStatus = "inactive"     // no slots occupied
)

// StatusForOccupancy maps a live slot count to the team status.
func StatusForOccupancy(n int) TeamStatus {
	switch n {
	case 2:
		return TeamActive
	case 1:
		return TeamWaiting
	default:
		return TeamInactive
	}
}

// NumSlots is the number of players in a team.
const NumSlots = 2

// Team is the persisted team record as exposed over the API.
type Team struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Status       TeamStatus `json:"status"`
	SlotsFilled  int        `json:"slots_filled"`
	RoundsPlayed int        `json:"rounds_played"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Round is a single stimulus deal for a team. Items[0] goes to slot 1,
// Items[1] to slot 2; each player only ever sees their own item.
type Round struct {
	ID        int64     `json:"id"`
	TeamID    int64     `json:"team_id"`
	Seq       int       `json:"seq"`
	Items     [2]Symbol `json:"items"`
	CreatedAt time.Time `json:"created_at"`
}

// Response is one slot's boolean answer to a round.
type Response struct {
	RoundID   int64     `json:"round_id"`
	Slot      int       `json:"slot"` // 1 or 2
	Value     bool      `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// CompletedRound is a round joined with both responses, the unit of
// statistics input. Values is indexed the same way as Items.
type CompletedRound struct {
	Seq    int       `json:"seq"`
	Items  [2]Symbol `json:"items"`
	Values [2]bool   `json:"values"`
}

// Agree reports whether both slots gave the same answer.
func (r CompletedRound) Agree() bool {
	return r.Values[0] == r.Values[1]
}

// SessionState is the global run state of the experiment session.
type SessionState string

const (
	SessionRunning SessionState = "running"
	SessionPaused  SessionState = "paused"
)
