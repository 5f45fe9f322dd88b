package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/consult/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQL stores records in the active_sessions table through gorm. Works with
// sqlite and mysql.
type SQL struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQL creates a SQL store. The table must already be migrated.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if db == nil {
		return nil, fmt.Errorf("store: sql: db is required")
	}
	return &SQL{db: db, now: time.Now}, nil
}

// Get implements KV.
func (s *SQL) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrNotFound
	}
	var row models.ActiveSession
	err := s.db.WithContext(ctx).Where(&models.ActiveSession{Key: key}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: sql: get %q: %w", key, err)
	}
	return row.Value, nil
}

// Set implements KV. The upsert commits before returning.
func (s *SQL) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("store: sql: set: empty key")
	}
	row := models.ActiveSession{Key: key, Value: value, UpdatedAt: s.now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: sql: set %q: %w", key, err)
	}
	return nil
}

// Delete implements KV. Deleting a missing key is not an error.
func (s *SQL) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	err := s.db.WithContext(ctx).Where(&models.ActiveSession{Key: key}).Delete(&models.ActiveSession{}).Error
	if err != nil {
		return fmt.Errorf("store: sql: delete %q: %w", key, err)
	}
	return nil
}

// PruneBefore implements Pruner.
func (s *SQL) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("updated_at < ?", cutoff).Delete(&models.ActiveSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: sql: prune: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
