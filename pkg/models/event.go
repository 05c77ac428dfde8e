package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventKind classifies an emitted election or watch event.
type EventKind string

const (
	KindSessionChanged    EventKind = "SESSION_CHANGED"
	KindVolunteered       EventKind = "VOLUNTEERED"
	KindStatusChanged     EventKind = "STATUS_CHANGED"
	KindWatchArmed        EventKind = "WATCH_ARMED"
	KindWatchFired        EventKind = "WATCH_FIRED"
	KindEvaluationRetried EventKind = "EVALUATION_RETRIED"
	KindError             EventKind = "ERROR"
)

// Attributes holds free-form event details, stored as JSONB.
type Attributes map[string]string

func (a *Attributes) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, a)
}

func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// Event is one structured record of something a participant or registrar did.
type Event struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Kind        EventKind  `json:"kind" gorm:"type:varchar(32);not null;index"`
	Participant string     `json:"participant" gorm:"index"`
	Path        string     `json:"path,omitempty"`
	Status      string     `json:"status,omitempty" gorm:"type:varchar(32)"`
	Attributes  Attributes `json:"attributes,omitempty" gorm:"type:jsonb"`
	Error       string     `json:"error,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at" gorm:"not null;index"`
}

// TableName keeps the audit table name stable.
func (Event) TableName() string {
	return "election_events"
}

// BeforeCreate hook to generate UUID if not present
func (e *Event) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}
