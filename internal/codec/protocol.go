// Package codec implements the tagged-union control-message protocol and the
// length-prefixed binary-frame format shared by the relay, the agent, and the
// browser client.
package codec

// MessageType is the discriminator carried on every control frame's "type" field.
type MessageType string

const (
	// Agent -> relay
	TypeRegister MessageType = "register"

	// Relay -> agent
	TypeRegistered MessageType = "registered"

	// Browser -> relay
	TypeAuth MessageType = "auth"

	// Relay -> browser
	TypeAuthSuccess         MessageType = "auth_success"
	TypeAuthFailed          MessageType = "auth_failed"
	TypeSessionConnected    MessageType = "session_connected"
	TypeSessionDisconnected MessageType = "session_disconnected"

	// Browser -> relay
	TypeTerminalResize MessageType = "terminal_resize"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Relay -> any
	TypeError MessageType = "error"
)

// Error codes, per the error taxonomy. Carried in ErrorMsg.Code and
// AuthFailed.Reason.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeInvalidCode    = "INVALID_CODE"
	CodeExpiredCode    = "EXPIRED_CODE"
	CodeAlreadyJoined  = "ALREADY_JOINED"
	CodeUpstreamGone   = "UPSTREAM_GONE"
	CodeSlowConsumer   = "SLOW_CONSUMER"
	CodeInternal       = "INTERNAL"
)

// Envelope is decoded first to discriminate the concrete message type.
type Envelope struct {
	Type MessageType `json:"type"`
}

// Register is sent by the agent to allocate a session.
type Register struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id"`
}

// Registered is the relay's reply to Register.
type Registered struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	ExpiresAt int64       `json:"expires_at"` // unix millis
}

// Auth is sent by a browser to join an existing session.
type Auth struct {
	Type        MessageType `json:"type"`
	SessionCode string      `json:"session_code"`
}

// AuthSuccess confirms a browser joined a session.
type AuthSuccess struct {
	Type MessageType `json:"type"`
}

// AuthFailed rejects a browser join.
type AuthFailed struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

// SessionConnected announces a shell attached to the session.
type SessionConnected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Name      string      `json:"name"`
}

// SessionDisconnected announces a shell detached from the session.
type SessionDisconnected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// TerminalResize carries a browser-initiated resize.
type TerminalResize struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Cols      int         `json:"cols"`
	Rows      int         `json:"rows"`
}

// Ping/Pong carry a liveness timestamp.
type Ping struct {
	Type MessageType `json:"type"`
	TS   int64       `json:"ts"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TS   int64       `json:"ts"`
}

// ErrorMsg carries a taxonomy code plus a human-readable message.
type ErrorMsg struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}
