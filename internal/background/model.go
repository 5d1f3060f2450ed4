package background

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Update is a persisted, checkpointed background update stage.
type Update struct {
	Name         string    `gorm:"column:update_name;primaryKey;size:190;not null"`
	DependsOn    string    `gorm:"column:depends_on;size:190;not null;default:''"`
	Ordering     int       `gorm:"column:ordering;not null;default:0"`
	ProgressJSON string    `gorm:"column:progress_json;type:text;not null;default:'{}'"`
	Done         bool      `gorm:"column:done;not null;default:false;index"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Update) TableName() string {
	return "background_updates"
}

// Stage declares an update and the update it waits for.
type Stage struct {
	Name      string
	DependsOn string
}

// BatchResult reports the outcome of one batch of a stage.
// Progress is persisted as the stage cursor in the same transaction as the batch writes.
type BatchResult struct {
	Processed int
	Progress  any
	Finished  bool
}

// BatchFunc processes one bounded batch of a stage inside tx.
type BatchFunc func(ctx context.Context, tx *gorm.DB, progress json.RawMessage, batchSize int) (BatchResult, error)

// Status describes a stage for admin reporting.
type Status struct {
	Name      string          `json:"name"`
	DependsOn string          `json:"depends_on,omitempty"`
	Done      bool            `json:"done"`
	Progress  json.RawMessage `json:"progress"`
}

// Outcome reports what DoNextBatch did.
type Outcome struct {
	Name      string
	Processed int
	Finished  bool
	Idle      bool
}

// Observer receives per-batch notifications.
type Observer interface {
	ObserveBatch(name string, processed int, duration time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveBatch(string, int, time.Duration, error) {}
