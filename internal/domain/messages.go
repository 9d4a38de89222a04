package domain

// Inbound message types accepted on the player socket.
const (
	MsgCreateTeam     = "create_team"
	MsgJoinTeam       = "join_team"
	MsgReconnectTeam  = "reconnect_team"
	MsgReactivateTeam = "reactivate_team"
	MsgLeaveTeam      = "leave_team"
	MsgSubmitResponse = "submit_response"
)

// Inbound message types accepted on the observer socket.
const (
	MsgSetPreferences = "observer_set_preferences"
	MsgRequestRefresh = "observer_request_refresh"
)

// ClientMessage is the flat envelope for inbound WebSocket messages. Fields
// irrelevant to a given type are left at their zero value.
type ClientMessage struct {
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	Token      string `json:"token,omitempty"`
	RoundID    int64  `json:"round_id,omitempty"`
	Value      *bool  `json:"value,omitempty"`
	WantDetail *bool  `json:"want_detail,omitempty"`
}
