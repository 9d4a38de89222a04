package domain

import "time"

// Event types for WebSocket notifications
const (
	EventWelcome        = "welcome"
	EventTeamStatus     = "team_status_changed"
	EventNextStimulus   = "next_stimulus"
	EventRoundCompleted = "round_completed"
	EventTeamCompleted  = "team_completed"
	EventSessionChanged = "session_changed"
	EventObserverUpdate = "observer_update"
	EventError          = "error"
)

// Event is a real-time event published on the bus and delivered to
// WebSocket clients.
type Event struct {
	Type      string      `json:"event"`
	TeamID    int64       `json:"team_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// WelcomeEvent is sent once after a player socket upgrades. The client keeps
// ConnID and presents it on later connections to retain its identity.
type WelcomeEvent struct {
	ConnID string `json:"conn_id"`
}

// TeamStatusEvent is sent to team members and observers whenever slot
// occupancy changes. It never carries connection ids or token secrets.
type TeamStatusEvent struct {
	Team        Team   `json:"team"`
	Slot        int    `json:"slot,omitempty"`  // slot affected by the change
	Cause       string `json:"cause,omitempty"` // create, join, leave, reconnect, reactivate, reset
	Reconnected bool   `json:"reconnected,omitempty"`
}

// Causes carried on TeamStatusEvent.
const (
	CauseCreate     = "create"
	CauseJoin       = "join"
	CauseLeave      = "leave"
	CauseReconnect  = "reconnect"
	CauseReactivate = "reactivate"
	CauseReset      = "reset"
)

// NextStimulusEvent is delivered privately to a single slot. It never
// contains the teammate's item.
type NextStimulusEvent struct {
	RoundID int64  `json:"round_id"`
	Seq     int    `json:"seq"`
	Item    Symbol `json:"item"`
}

// RoundCompletedEvent is sent to both team members once the second response
// of a round lands. Success is set only when the round's items form a
// first-half/second-half pairing, which is every round in role-restricted
// mode.
type RoundCompletedEvent struct {
	RoundID int64     `json:"round_id"`
	Seq     int       `json:"seq"`
	Items   [2]Symbol `json:"items"`
	Values  [2]bool   `json:"values"`
	Success *bool     `json:"success,omitempty"`
}

// TeamCompletedEvent is sent when a team exhausts its round budget.
type TeamCompletedEvent struct {
	RoundsPlayed int `json:"rounds_played"`
}

// SessionChangedEvent is sent when an admin starts, pauses, resets or
// re-modes the session.
type SessionChangedEvent struct {
	State SessionState   `json:"state"`
	Mode  AssignmentMode `json:"mode"`
}

// ErrorEvent is sent to the originating connection when a request is
// rejected. Code is one of the Code* constants.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
