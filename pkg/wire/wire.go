// Package wire defines the JSON message envelopes exchanged over the
// editor's WebSocket connection and on the snapshot stream.
package wire

import (
	"encoding/json"
	"time"
)

// Client → server event names.
const (
	EventLogin      = "login"
	EventJoin       = "joinDocument"
	EventHeartbeat  = "presence:heartbeat"
	EventLeave      = "leaveDocument"
	EventCursorMove = "cursorMove"
	EventTyping     = "userTyping"
	EventStopTyping = "userStopTyping"
	EventEdit       = "editDocument"
	EventChat       = "chatMessage"
)

// Server → client event names.
const (
	EventActiveUsers    = "activeUsersUpdate"
	EventDocUsers       = "docUsersUpdate"
	EventDocumentUpdate = "documentUpdate"
	EventNewMessage     = "newMessage"
	EventError          = "errorMessage"
)

// Frame is the envelope for every WebSocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data and wraps it in a Frame. Marshal errors are only
// possible for non-serializable payloads, which the coordinator never
// produces, so they surface as an error for the caller to log.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// JoinDocument is the payload of a joinDocument event.
type JoinDocument struct {
	DocumentID string `json:"documentId"`
	Username   string `json:"username"`
}

// Heartbeat is the payload of a presence:heartbeat event.
type Heartbeat struct {
	DocumentID string `json:"documentId"`
	Username   string `json:"username"`
}

// CursorMove is the payload of a cursorMove event in both directions.
// Index is the caret offset into the document content.
type CursorMove struct {
	DocumentID string `json:"documentId,omitempty"`
	Username   string `json:"username"`
	Index      int    `json:"index"`
}

// Typing is the payload of userTyping and userStopTyping events.
type Typing struct {
	DocumentID string `json:"documentId"`
	Username   string `json:"username"`
}

// EditDocument is the payload of an editDocument event. Content is the
// whole document text; there is no merge, last write wins.
type EditDocument struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
}

// ChatMessage is the payload of a chatMessage event.
type ChatMessage struct {
	DocumentID string `json:"documentId"`
	UserID     int64  `json:"userId"`
	Message    string `json:"message"`
}

// ChatRecord is the persisted chat message broadcast as newMessage.
type ChatRecord struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"documentId"`
	UserID     int64     `json:"userId"`
	Username   string    `json:"username"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ErrorMessage is sent only to the connection whose command failed.
type ErrorMessage struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// DocumentSnapshot is published to doc.snapshot.{documentId} for the
// persist worker. Timestamp is UnixMilli at broadcast time.
type DocumentSnapshot struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}
