package models

import "time"

// ActiveSession is the durable pointer from a caller key (a doctor or a
// doctor/device pair) to the consultation session it should resume. Value
// holds the JSON-encoded resume record.
type ActiveSession struct {
	Key       string    `gorm:"primaryKey;size:191"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"index"`
}
