package chat

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTitle names sessions that have no user message yet.
	DefaultTitle = "New Chat"
	// DocumentVersion is stamped on persisted session documents.
	DocumentVersion = "1.0"
)

// ErrInvalidDocument is returned when an imported session document does not
// match the persisted schema.
var ErrInvalidDocument = errors.New("invalid session document")

// Session is one conversation.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Messages     []Message `json:"messages"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	MessageCount int       `json:"messageCount"`
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Followup != nil {
			m.Followup = append([]string(nil), m.Followup...)
		}
		out.Messages[i] = m
	}
	return out
}

// Settings carries the schema stamp of the persisted document.
type Settings struct {
	Version     string `json:"version"`
	MaxChats    int    `json:"maxChats,omitempty"`
	MaxMessages int    `json:"maxMessages,omitempty"`
}

// Document is the whole persisted session collection, most recent first.
type Document struct {
	Chats         []Session `json:"chats"`
	CurrentChatID string    `json:"currentChatId,omitempty"`
	Settings      Settings  `json:"settings"`
}

// Validate checks an imported document against the persisted schema.
func (d Document) Validate() error {
	if d.Settings.Version == "" {
		return fmt.Errorf("%w: missing settings version", ErrInvalidDocument)
	}
	seen := make(map[string]struct{}, len(d.Chats))
	for i, s := range d.Chats {
		if s.ID == "" {
			return fmt.Errorf("%w: chat %d has no id", ErrInvalidDocument, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate chat id %q", ErrInvalidDocument, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.MessageCount != len(s.Messages) {
			return fmt.Errorf("%w: chat %q messageCount %d does not match %d messages",
				ErrInvalidDocument, s.ID, s.MessageCount, len(s.Messages))
		}
		for j, m := range s.Messages {
			if !m.Type.Valid() {
				return fmt.Errorf("%w: chat %q message %d has type %q", ErrInvalidDocument, s.ID, j, m.Type)
			}
		}
	}
	if d.CurrentChatID != "" {
		if _, ok := seen[d.CurrentChatID]; !ok {
			return fmt.Errorf("%w: current chat %q not found", ErrInvalidDocument, d.CurrentChatID)
		}
	}
	return nil
}
