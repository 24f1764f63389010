// Package wire defines the message envelope used at the (out-of-scope) HTTP/
// WebSocket boundary: session and orphan lifecycle events, framed the way an
// external dashboard would consume them. No server lives here — only the
// envelope types and their (de)serialization.
package wire

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ralphctl/ralphctl/internal/domain"
)

// MessageType distinguishes a push notification from a snapshot response.
type MessageType string

const (
	TypeNotification MessageType = "notification"
	TypeSnapshot      MessageType = "snapshot"
)

// Action names the kind of event carried by a Message's Payload.
type Action string

const (
	ActionSessionAdd       Action = "session:add"
	ActionSessionUpdate    Action = "session:update"
	ActionSessionRemove    Action = "session:remove"
	ActionSessionsSnapshot Action = "sessions:snapshot"
	ActionOrphansDetected  Action = "orphans:detected"
	ActionTerminalOutput   Action = "terminal:output"
	ActionTerminalInput    Action = "terminal:input"
)

// Message is the envelope every frame carries. Payload shape is determined
// by Action (see *Payload types below).
type Message struct {
	Type      MessageType     `json:"type"`
	Action    Action          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionEventPayload backs session:add/session:update/session:remove.
type SessionEventPayload struct {
	RepositoryID string               `json:"repositoryId"`
	Session      domain.SessionRecord `json:"session"`
}

// SessionsSnapshotPayload backs sessions:snapshot, sent once on connect.
type SessionsSnapshotPayload struct {
	Sessions []domain.ListedSession `json:"sessions"`
}

// OrphanDetectedPayload backs orphans:detected.
type OrphanDetectedPayload struct {
	RepositoryID    string `json:"repositoryId"`
	WorkingCopyPath string `json:"workingCopyPath"`
}

// TerminalPayload backs terminal:output/terminal:input, one frame per chunk.
type TerminalPayload struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

// NewMessage marshals payload and wraps it in an envelope stamped with the
// current time of the caller's choosing (never time.Now — callers stamp
// it so replays and tests stay deterministic).
func NewMessage(t MessageType, action Action, stamp time.Time, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Action: action, Timestamp: stamp, Payload: data}, nil
}

// DecodePayload unmarshals a Message's payload into dst.
func DecodePayload(msg Message, dst any) error {
	return json.Unmarshal(msg.Payload, dst)
}

// WriteTo writes a Message as a single text frame. Exists so a future HTTP/
// WebSocket adapter has a ready-made framing function; nothing in this
// module calls it outside of tests.
func WriteTo(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrom reads and decodes a single Message from a text frame.
func ReadFrom(conn *websocket.Conn) (Message, error) {
	var msg Message
	err := conn.ReadJSON(&msg)
	return msg, err
}
