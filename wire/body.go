package wire

// JSON bodies for control packets. Auth packets have no routing envelope:
// they are exchanged between a client and the server directly. Presence
// updates are server-originated room broadcasts.

// AuthRequest is the body of an AUTH_REQUEST packet.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResult is the body of an AUTH_SUCCESS packet.
type AuthResult struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// AuthDenied is the body of an AUTH_FAILURE packet. The server closes the
// connection after sending it.
type AuthDenied struct {
	Reason string `json:"reason"`
}

// Presence event names.
const (
	PresenceJoin  = "JOIN"
	PresenceLeave = "LEAVE"
)

// Presence is the body of a PRESENCE_UPDATE broadcast.
type Presence struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Username  string `json:"username,omitempty"`
}
