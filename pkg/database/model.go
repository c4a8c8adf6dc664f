package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Seed represents a record in the public.seeds table
type Seed struct {
	ID         int       `gorm:"primaryKey;column:id"`
	CampaignID string    `gorm:"column:campaign_id;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;default:now()"`
	Path       string    `gorm:"column:path;not null"`
	Size       int       `gorm:"column:size"`
	Source     string    `gorm:"column:source"`
	Instance   string    `gorm:"column:instance"`
	Metric     Metric    `gorm:"column:metric;type:jsonb"`
}

// Crash represents a record in the public.crashes table. Hangs are stored
// with Kind "hang" and no dump.
type Crash struct {
	ID         int       `gorm:"primaryKey;column:id"`
	CampaignID string    `gorm:"column:campaign_id;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;default:now()"`
	Kind       string    `gorm:"column:kind;not null"`
	Input      string    `gorm:"column:input;not null"`
	Dump       string    `gorm:"column:dump"`
	Signal     string    `gorm:"column:signal"`
	Instance   string    `gorm:"column:instance"`
	Metric     Metric    `gorm:"column:metric;type:jsonb"`
}

// Metric represents a jsonb column
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &m)
}
