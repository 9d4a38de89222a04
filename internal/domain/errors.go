package domain

import "errors"

// Sentinel errors returned by the session engine. Handlers map these to
// error codes with ErrorCode; anything unrecognized is reported as a
// store failure because only the storage layer produces wrapped errors.
var (
	ErrTeamNotFound    = errors.New("team not found")
	ErrRoundNotFound   = errors.New("round not found")
	ErrDuplicateName   = errors.New("team name already in use")
	ErrTeamFull        = errors.New("team already has two members")
	ErrTeamIncomplete  = errors.New("team needs two members")
	ErrTeamNotInactive = errors.New("team is not inactive")
	ErrDuplicateAnswer = errors.New("slot already answered this round")
	ErrStaleRound      = errors.New("response references a stale round")
	ErrNotInTeam       = errors.New("connection is not in a team")
	ErrAlreadyInTeam   = errors.New("connection already occupies a slot")
)

// Error codes carried on the wire in error events and API responses.
const (
	CodeBadRequest     = "bad_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeTeamIncomplete = "team_incomplete"
	CodeStoreFailure   = "store_failure"
)

// ErrorCode maps a session error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTeamNotFound), errors.Is(err, ErrRoundNotFound), errors.Is(err, ErrNotInTeam):
		return CodeNotFound
	case errors.Is(err, ErrDuplicateName), errors.Is(err, ErrTeamFull),
		errors.Is(err, ErrTeamNotInactive), errors.Is(err, ErrDuplicateAnswer),
		errors.Is(err, ErrStaleRound), errors.Is(err, ErrAlreadyInTeam):
		return CodeConflict
	case errors.Is(err, ErrTeamIncomplete):
		return CodeTeamIncomplete
	default:
		return CodeStoreFailure
	}
}
