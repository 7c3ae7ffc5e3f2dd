package platform

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidEvent = errors.New("platform: invalid event")

// EventType discriminates the two normalized feed shapes.
type EventType string

const (
	EventMessage EventType = "message"
	EventChange  EventType = "change"
)

// LogType names the attribute a change notification reports on.
type LogType string

const (
	LogThreadName     LogType = "log:thread-name"
	LogThreadNickname LogType = "log:thread-nickname"
)

// MessageEvent is one chat message in a thread.
type MessageEvent struct {
	ThreadID string `json:"thread_id"`
	SenderID string `json:"sender_id"`
	Body     string `json:"body"`
}

// AttributeChange reports that a thread attribute now has NewValue.
// ParticipantID is set for nickname changes only.
type AttributeChange struct {
	ThreadID      string  `json:"thread_id"`
	LogType       LogType `json:"log_type"`
	ParticipantID string  `json:"participant_id,omitempty"`
	NewValue      string  `json:"new_value"`
	AuthorID      string  `json:"author_id,omitempty"`
}

// Event is the feed envelope carrying exactly one of Message or Change.
type Event struct {
	Type    EventType        `json:"type"`
	Message *MessageEvent    `json:"message,omitempty"`
	Change  *AttributeChange `json:"change,omitempty"`
}

func NewMessage(msg MessageEvent) Event {
	return Event{Type: EventMessage, Message: &msg}
}

func NewChange(change AttributeChange) Event {
	return Event{Type: EventChange, Change: &change}
}

// ThreadID returns the thread the event belongs to.
func (e Event) ThreadID() string {
	switch {
	case e.Message != nil:
		return e.Message.ThreadID
	case e.Change != nil:
		return e.Change.ThreadID
	default:
		return ""
	}
}

// Validate checks the envelope shape. Unknown log types are valid: the
// engine ignores them.
func (e Event) Validate() error {
	switch e.Type {
	case EventMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: message event without message", ErrInvalidEvent)
		}
		if strings.TrimSpace(e.Message.ThreadID) == "" {
			return fmt.Errorf("%w: missing thread_id", ErrInvalidEvent)
		}
	case EventChange:
		if e.Change == nil {
			return fmt.Errorf("%w: change event without change", ErrInvalidEvent)
		}
		if strings.TrimSpace(e.Change.ThreadID) == "" {
			return fmt.Errorf("%w: missing thread_id", ErrInvalidEvent)
		}
		if e.Change.LogType == LogThreadNickname && strings.TrimSpace(e.Change.ParticipantID) == "" {
			return fmt.Errorf("%w: nickname change without participant_id", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}
