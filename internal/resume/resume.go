// Package resume maps caller keys to the consultation session they should
// resume. Storage failures never block the caller: they are logged and read
// as "no active session".
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/store"
	"go.uber.org/zap"
)

// keyPrefix namespaces resume records inside a shared store.
const keyPrefix = "active_session:"

// Record is the durable active-session pointer.
type Record struct {
	SessionID    string                     `json:"session_id"`
	AgentType    string                     `json:"agent_type,omitempty"`
	Capabilities *conversation.Capabilities `json:"capabilities,omitempty"`
	SavedAt      time.Time                  `json:"saved_at"`
}

// Manager reads and writes active-session records.
type Manager struct {
	kv     store.KV
	logger *zap.Logger
	now    func() time.Time
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Store  store.KV
	Logger *zap.Logger
	Now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("resume: manager: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{kv: opts.Store, logger: logger.Named("resume"), now: now}, nil
}

func storeKey(key string) string { return keyPrefix + key }

// GetActive returns the session id recorded for key.
func (m *Manager) GetActive(ctx context.Context, key string) (string, bool) {
	rec, ok := m.Get(ctx, key)
	return rec.SessionID, ok
}

// Get returns the full record for key. Missing, unreadable and corrupt
// records all report false.
func (m *Manager) Get(ctx context.Context, key string) (Record, bool) {
	if strings.TrimSpace(key) == "" {
		return Record{}, false
	}
	raw, err := m.kv.Get(ctx, storeKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, false
	}
	if err != nil {
		m.logger.Warn("active session lookup failed", zap.String("key", key), zap.Error(err))
		return Record{}, false
	}
	rec, err := decode(raw)
	if err != nil {
		m.logger.Warn("active session record corrupt", zap.String("key", key), zap.Error(err))
		return Record{}, false
	}
	return rec, true
}

// decode parses a stored record. A bare non-JSON value is read as a session id.
func decode(raw string) (Record, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Record{}, fmt.Errorf("empty record")
	}
	if !strings.HasPrefix(raw, "{") {
		if strings.ContainsAny(raw, " \t\n\"") {
			return Record{}, fmt.Errorf("malformed session id %q", raw)
		}
		return Record{SessionID: raw}, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, err
	}
	if rec.SessionID == "" {
		return Record{}, fmt.Errorf("record has no session id")
	}
	return rec, nil
}

// SaveActive overwrites the record for key and reports whether the write
// committed.
func (m *Manager) SaveActive(ctx context.Context, key string, rec Record) bool {
	if strings.TrimSpace(key) == "" || rec.SessionID == "" {
		m.logger.Warn("active session save skipped", zap.String("key", key), zap.String("session_id", rec.SessionID))
		return false
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = m.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn("active session encode failed", zap.Error(err))
		return false
	}
	if err := m.kv.Set(ctx, storeKey(key), string(data)); err != nil {
		m.logger.Warn("active session save failed", zap.String("key", key), zap.Error(err))
		return false
	}
	m.logger.Debug("active session saved", zap.String("key", key), zap.String("session_id", rec.SessionID))
	return true
}

// ClearActive removes the record for key and reports whether it succeeded.
func (m *Manager) ClearActive(ctx context.Context, key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	if err := m.kv.Delete(ctx, storeKey(key)); err != nil {
		m.logger.Warn("active session clear failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
