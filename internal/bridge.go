package internal

import (
	"encoding/json"
	"errors"
	"unicode/utf16"

	"golang.org/x/exp/slog"
)

// SessionTitle identifies this editor to the browser.
const SessionTitle = "ghostd"

// Bridge moves document state between the editor and the active connection.
type Bridge struct {
	logger *slog.Logger
	doc    Document
	sender interface{ SendText(payload []byte) bool }
}

func NewBridge(logger *slog.Logger, doc Document) *Bridge {
	return &Bridge{logger: logger, doc: doc}
}

type wireSnapshot struct {
	Text       *string     `json:"text"`
	Selections []Selection `json:"selections"`
	Title      string      `json:"title"`
	URL        string      `json:"url"`
	Syntax     string      `json:"syntax"`
}

// Decode parses an inbound message. A payload without a text field is
// rejected like any other malformed one.
func (b *Bridge) Decode(payload []byte) (Snapshot, error) {
	w := wireSnapshot{}
	if err := json.Unmarshal(payload, &w); err != nil {
		return Snapshot{}, &ApplicationError{Err: err}
	}

	if w.Text == nil {
		return Snapshot{}, &ApplicationError{Err: errors.New("message has no text field")}
	}

	return Snapshot{
		Text:       *w.Text,
		Selections: w.Selections,
		Title:      w.Title,
		URL:        w.URL,
		Syntax:     w.Syntax,
	}, nil
}

// Encode renders the outbound form of snap: the caret collapsed to the end
// of the text and the fixed title.
func Encode(snap Snapshot) ([]byte, error) {
	end := textLength(snap.Text)

	return json.Marshal(Snapshot{
		Text:       snap.Text,
		Selections: []Selection{{Start: end, End: end}},
		Title:      SessionTitle,
		URL:        snap.URL,
		Syntax:     snap.Syntax,
	})
}

// textLength counts UTF-16 code units, the unit browser selections use.
func textLength(s string) int {
	return len(utf16.Encode([]rune(s)))
}

func (b *Bridge) Started(id string) {
	b.doc.SessionStarted()
}

func (b *Bridge) Received(id string, snap Snapshot) {
	if err := b.doc.ApplyDocumentState(snap.Text); err != nil {
		b.logger.Error("failed to apply document", &CollaboratorError{Op: "apply", Err: err}, slog.String("connection", id))
	}
}

func (b *Bridge) Ended(id string) {
	b.doc.SessionEnded()
}

// Push sends the editor's current document to the active session. It reports
// false when nothing was sent.
func (b *Bridge) Push() (bool, error) {
	if b.sender == nil {
		return false, nil
	}

	snap, err := b.doc.ReadDocumentState()
	if err != nil {
		return false, &CollaboratorError{Op: "read", Err: err}
	}

	payload, err := Encode(snap)
	if err != nil {
		return false, err
	}

	return b.sender.SendText(payload), nil
}
