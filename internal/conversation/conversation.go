// Package conversation holds the session and message model of a consultation.
package conversation

import (
	"strings"
	"time"
)

// ActionConversation is the default agent action. It is always permitted.
const ActionConversation = "conversation"

// Origin identifies who authored a message.
type Origin string

const (
	OriginUser  Origin = "user"
	OriginAgent Origin = "agent"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginUser || o == OriginAgent
}

// AttachmentRef points at an uploaded image or document.
type AttachmentRef struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Reply carries the structured parts of a finalized agent message.
type Reply struct {
	QuickReplies   []string       `json:"quick_replies,omitempty"`
	Artifact       map[string]any `json:"artifact,omitempty"`
	ReasoningSteps []string       `json:"reasoning_steps,omitempty"`
	RecordID       string         `json:"record_id,omitempty"`
}

// Message is one entry of a session log.
type Message struct {
	ID         string         `json:"id"`
	Origin     Origin         `json:"origin"`
	Content    string         `json:"content"`
	Attachment *AttachmentRef `json:"attachment,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	InFlight   bool           `json:"in_flight"`
	Reply      *Reply         `json:"reply,omitempty"`
}

// Capabilities are the feature flags the backend declares for an agent type.
type Capabilities struct {
	SupportsImageUpload bool            `json:"supports_image_upload"`
	SupportedActions    []string        `json:"supported_actions,omitempty"`
	Flags               map[string]bool `json:"flags,omitempty"`
}

// Allows reports whether action may be requested in this session.
func (c Capabilities) Allows(action string) bool {
	if action == "" || action == ActionConversation {
		return true
	}
	for _, a := range c.SupportedActions {
		if strings.EqualFold(a, action) {
			return true
		}
	}
	return false
}

// Flag returns the named backend flag, false when absent.
func (c Capabilities) Flag(name string) bool {
	return c.Flags[name]
}

// Session is the current consultation. It is owned by a single writer.
type Session struct {
	ID           string
	AgentType    string
	Capabilities Capabilities
	Log          *Log
	LastActivity time.Time
	// Complete is set once the backend signals the consultation is concluded.
	Complete bool
}

// NewSession creates a session with an empty log.
func NewSession(id, agentType string, caps Capabilities, now time.Time) *Session {
	return &Session{
		ID:           id,
		AgentType:    agentType,
		Capabilities: caps,
		Log:          NewLog(),
		LastActivity: now,
	}
}

// Touch records activity at t.
func (s *Session) Touch(t time.Time) {
	if t.After(s.LastActivity) {
		s.LastActivity = t
	}
}

// Clone returns a deep copy that shares nothing with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Capabilities.SupportedActions = append([]string(nil), s.Capabilities.SupportedActions...)
	if s.Capabilities.Flags != nil {
		c.Capabilities.Flags = make(map[string]bool, len(s.Capabilities.Flags))
		for k, v := range s.Capabilities.Flags {
			c.Capabilities.Flags[k] = v
		}
	}
	c.Log = s.Log.clone()
	return &c
}

// InitContext is what a caller supplies when opening a consultation.
type InitContext struct {
	AgentType string            `json:"agent_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionInfo is the backend description of a newly created session.
type SessionInfo struct {
	ID           string       `json:"id"`
	AgentType    string       `json:"agent_type"`
	Capabilities Capabilities `json:"capabilities"`
}

// HistoryEntry is one message returned by the remote history store.
type HistoryEntry struct {
	Origin     Origin         `json:"origin"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Attachment *AttachmentRef `json:"attachment,omitempty"`
}

// Summary is the artifact generated at the end of a consultation.
type Summary struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Artifact  map[string]any `json:"artifact,omitempty"`
	RecordID  string         `json:"record_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
