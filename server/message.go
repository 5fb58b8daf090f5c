package server

import "encoding/json"

// Message types exchanged over WebSocket.
const (
	MsgJoin     = "join"
	MsgJoined   = "joined"
	MsgUpdate   = "update"
	MsgCursor   = "cursor"
	MsgPresence = "presence"
	MsgAck      = "ack"
	MsgError    = "error"
)

// Error codes carried by error messages.
const (
	ErrCodeAuthDenied  = "auth_denied"
	ErrCodeBadPayload  = "bad_payload"
	ErrCodeNotJoined   = "not_joined"
	ErrCodeUnknownType = "unknown_type"
	ErrCodeLoadFailed  = "load_failed"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type        string          `json:"type"`
	DocID       string          `json:"docId,omitempty"`
	StateVector []byte          `json:"stateVector,omitempty"`
	Update      []byte          `json:"update,omitempty"`
	Selection   json.RawMessage `json:"selection,omitempty"`
	Viewport    json.RawMessage `json:"viewport,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type      string          `json:"type"`
	DocID     string          `json:"docId,omitempty"`
	Update    []byte          `json:"update,omitempty"`
	OpID      string          `json:"opId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Color     string          `json:"color,omitempty"`
	Status    string          `json:"status,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
	Viewport  json.RawMessage `json:"viewport,omitempty"`
	Members   []MemberInfo    `json:"members,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// MemberInfo describes a connected user in a room.
type MemberInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
