package chat

import (
	"time"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
)

// MessageType identifies who produced a message.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageUser, MessageAssistant, MessageSystem:
		return true
	}
	return false
}

// Message is one turn of a session. ResponseType and Followup are only set
// on assistant messages.
type Message struct {
	ID           string            `json:"id"`
	Type         MessageType       `json:"type"`
	Content      string            `json:"content"`
	ResponseType rule.ResponseType `json:"responseType,omitempty"`
	Followup     []string          `json:"followup,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
