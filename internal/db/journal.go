package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/consult/internal/models"
	"github.com/zulandar/consult/internal/turn"
	"gorm.io/gorm"
)

// Journal writes accepted turn transitions to the turn_logs table.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJournal creates a Journal.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("db: journal: db is required")
	}
	return &Journal{db: db, now: time.Now}, nil
}

// RecordTransition stores one transition for sessionID.
func (j *Journal) RecordTransition(ctx context.Context, sessionID string, t turn.Transition) error {
	names := make([]string, 0, len(t.Effects))
	for _, e := range t.Effects {
		names = append(names, e.Type.String())
	}
	effects, err := marshalJSON(names)
	if err != nil {
		return fmt.Errorf("db: journal: marshal effects: %w", err)
	}
	row := models.TurnLog{
		SessionID: sessionID,
		Event:     t.Event.Type.String(),
		FromState: t.From.String(),
		ToState:   t.To.String(),
		Effects:   effects,
		Voice:     t.Mode.Voice,
		Muted:     t.Mode.Muted,
		CreatedAt: j.now(),
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("db: journal: insert: %w", err)
	}
	return nil
}

// Recent returns the latest limit transitions for sessionID, oldest first.
func (j *Journal) Recent(ctx context.Context, sessionID string, limit int) ([]models.TurnLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.TurnLog
	err := j.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("db: journal: recent: %w", err)
	}
	for i, k := 0, len(rows)-1; i < k; i, k = i+1, k-1 {
		rows[i], rows[k] = rows[k], rows[i]
	}
	return rows, nil
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
