package internal

import (
	"time"
)

type State int

const (
	StateHandshakePending State = iota
	StateAwaitingFirstMessage
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshakePending:
		return "handshake-pending"
	case StateAwaitingFirstMessage:
		return "awaiting-first-message"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Advertisement is the discovery response body. Field names are fixed by the
// browser extension.
type Advertisement struct {
	ProtocolVersion int    `json:"ProtocolVersion"`
	WebSocketPort   uint16 `json:"WebSocketPort"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Snapshot is one document state exchanged with the browser.
type Snapshot struct {
	Text       string      `json:"text"`
	Selections []Selection `json:"selections"`
	Title      string      `json:"title"`
	URL        string      `json:"url"`
	Syntax     string      `json:"syntax"`
}

// Document is the editor side of a session.
type Document interface {
	// ReadDocumentState returns the current buffer. It must not block on user input.
	ReadDocumentState() (Snapshot, error)
	ApplyDocumentState(text string) error
	SessionStarted()
	SessionEnded()
}

type EventType string

const (
	EventTypeAdmitted EventType = "admitted"
	EventTypePromoted EventType = "promoted"
	EventTypeRejected EventType = "rejected"
	EventTypeEvicted  EventType = "evicted"
	EventTypeReceived EventType = "received"
	EventTypeSent     EventType = "sent"
	EventTypeClosed   EventType = "closed"
)

type Event struct {
	Type  EventType `json:"type"`
	ID    string    `json:"id"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}
