package models

import "time"

// TurnLog journals one accepted turn transition for debugging a session.
type TurnLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:128;index"`
	Event     string `gorm:"size:32"`
	FromState string `gorm:"size:64"`
	ToState   string `gorm:"size:64"`
	Effects   string `gorm:"type:json"` // JSON array of effect names
	Voice     bool
	Muted     bool
	CreatedAt time.Time `gorm:"index"`
}
