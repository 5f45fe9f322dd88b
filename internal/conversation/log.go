package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPlaceholderExists is returned when a second in-flight message is requested.
	ErrPlaceholderExists = errors.New("conversation: placeholder already in flight")
	// ErrNoPlaceholder is returned when no in-flight message exists.
	ErrNoPlaceholder = errors.New("conversation: no placeholder in flight")
)

// Log is an ordered, append-only message log with at most one trailing
// in-flight placeholder. It is not safe for concurrent use.
type Log struct {
	messages    []Message
	placeholder int
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{placeholder: -1}
}

// Append adds a finalized message. An empty ID is filled with a new UUID.
// Appending while a placeholder is in flight would leave it non-trailing and
// is rejected.
func (l *Log) Append(m Message) (Message, error) {
	if l.placeholder >= 0 {
		return Message{}, ErrPlaceholderExists
	}
	if !m.Origin.Valid() {
		return Message{}, fmt.Errorf("conversation: append: invalid origin %q", m.Origin)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.InFlight = false
	l.messages = append(l.messages, m)
	return m, nil
}

// BeginPlaceholder appends an empty in-flight agent message.
func (l *Log) BeginPlaceholder(now time.Time) (Message, error) {
	if l.placeholder >= 0 {
		return Message{}, ErrPlaceholderExists
	}
	m := Message{
		ID:        uuid.NewString(),
		Origin:    OriginAgent,
		CreatedAt: now,
		InFlight:  true,
	}
	l.messages = append(l.messages, m)
	l.placeholder = len(l.messages) - 1
	return m, nil
}

// UpdatePlaceholder sets the draft content of the in-flight message.
func (l *Log) UpdatePlaceholder(content string) (Message, error) {
	if l.placeholder < 0 {
		return Message{}, ErrNoPlaceholder
	}
	l.messages[l.placeholder].Content = content
	return l.messages[l.placeholder], nil
}

// FinalizePlaceholder replaces the in-flight message in place and returns it
// with its index.
func (l *Log) FinalizePlaceholder(content string, reply *Reply) (Message, int, error) {
	if l.placeholder < 0 {
		return Message{}, -1, ErrNoPlaceholder
	}
	idx := l.placeholder
	m := l.messages[idx]
	m.Content = content
	m.Reply = reply
	m.InFlight = false
	l.messages[idx] = m
	l.placeholder = -1
	return m, idx, nil
}

// DiscardPlaceholder removes the in-flight message, if any.
func (l *Log) DiscardPlaceholder() (Message, int, bool) {
	if l.placeholder < 0 {
		return Message{}, -1, false
	}
	idx := l.placeholder
	m := l.messages[idx]
	l.messages = append(l.messages[:idx], l.messages[idx+1:]...)
	l.placeholder = -1
	return m, idx, true
}

// RetractLast removes the trailing message if its ID is id. It is used to
// roll back a cancelled exchange and fails while a placeholder is in flight.
func (l *Log) RetractLast(id string) (Message, int, bool) {
	n := len(l.messages)
	if l.placeholder >= 0 || n == 0 || l.messages[n-1].ID != id {
		return Message{}, -1, false
	}
	m := l.messages[n-1]
	l.messages = l.messages[:n-1]
	return m, n - 1, true
}

// InFlight returns the current placeholder.
func (l *Log) InFlight() (Message, bool) {
	if l.placeholder < 0 {
		return Message{}, false
	}
	return l.messages[l.placeholder], true
}

// Len returns the number of entries, placeholder included.
func (l *Log) Len() int { return len(l.messages) }

// Messages returns a copy of the log.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Counts returns the number of finalized messages and how many of them the
// user authored.
func (l *Log) Counts() (total, user int) {
	for _, m := range l.messages {
		if m.InFlight {
			continue
		}
		total++
		if m.Origin == OriginUser {
			user++
		}
	}
	return total, user
}

func (l *Log) clone() *Log {
	if l == nil {
		return nil
	}
	return &Log{messages: l.Messages(), placeholder: l.placeholder}
}
