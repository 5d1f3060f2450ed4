package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const emptyProgress = "{}"

var (
	errMissingDatabase = errors.New("background: database handle is required")
	// ErrUnknownUpdate indicates a pending stage with no registered handler.
	ErrUnknownUpdate = errors.New("background: no handler registered for update")
	// ErrBlocked indicates pending stages exist but none has its dependency satisfied.
	ErrBlocked = errors.New("background: pending updates are blocked on unfinished dependencies")
)

// RunnerConfig describes the dependencies required by the background update runner.
type RunnerConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Observer Observer
	Clock    func() time.Time
}

// Runner executes registered stages one batch at a time in dependency order.
type Runner struct {
	db       *gorm.DB
	logger   *zap.Logger
	observer Observer
	clock    func() time.Time

	mu       sync.RWMutex
	handlers map[string]BatchFunc
}

// NewRunner constructs a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Runner{
		db:       cfg.Database,
		logger:   logger,
		observer: observer,
		clock:    clock,
		handlers: make(map[string]BatchFunc),
	}, nil
}

// Register binds a handler to a stage name.
func (r *Runner) Register(name string, handler BatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

func (r *Runner) handler(name string) (BatchFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Enqueue (re)schedules the given stages from scratch, in the given order.
// Passing a transaction lets callers reset their own state atomically with the schedule.
func Enqueue(ctx context.Context, tx *gorm.DB, stages []Stage) error {
	for ordering, stage := range stages {
		update := Update{
			Name:         stage.Name,
			DependsOn:    stage.DependsOn,
			Ordering:     ordering,
			ProgressJSON: emptyProgress,
			Done:         false,
		}
		err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "update_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"depends_on", "ordering", "progress_json", "done", "updated_at"}),
		}).Create(&update).Error
		if err != nil {
			return fmt.Errorf("background: enqueue %s: %w", stage.Name, err)
		}
	}
	return nil
}

// Enqueue schedules stages using the runner's database handle.
func (r *Runner) Enqueue(ctx context.Context, stages []Stage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return Enqueue(ctx, tx, stages)
	})
}

// HasCompleted reports whether no pending stage remains.
func (r *Runner) HasCompleted(ctx context.Context) (bool, error) {
	var pending int64
	if err := r.db.WithContext(ctx).Model(&Update{}).Where("done = ?", false).Count(&pending).Error; err != nil {
		return false, err
	}
	return pending == 0, nil
}

// Status lists every known stage in scheduling order.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	var updates []Update
	if err := r.db.WithContext(ctx).Order("ordering ASC, update_name ASC").Find(&updates).Error; err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(updates))
	for _, update := range updates {
		statuses = append(statuses, Status{
			Name:      update.Name,
			DependsOn: update.DependsOn,
			Done:      update.Done,
			Progress:  json.RawMessage(update.ProgressJSON),
		})
	}
	return statuses, nil
}

// DoNextBatch runs one batch of the first eligible stage. The batch writes and the
// checkpoint advance commit in the same transaction; a failed batch leaves the
// checkpoint where it was.
func (r *Runner) DoNextBatch(ctx context.Context, batchSize int) (Outcome, error) {
	var outcome Outcome
	started := r.clock()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update, found, err := nextEligible(tx)
		if err != nil {
			return err
		}
		if !found {
			outcome.Idle = true
			return nil
		}
		outcome.Name = update.Name

		handler, ok := r.handler(update.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownUpdate, update.Name)
		}

		result, err := handler(ctx, tx, json.RawMessage(update.ProgressJSON), batchSize)
		if err != nil {
			return fmt.Errorf("background: %s: %w", update.Name, err)
		}

		progressJSON := update.ProgressJSON
		if result.Progress != nil {
			encoded, err := json.Marshal(result.Progress)
			if err != nil {
				return fmt.Errorf("background: %s: encode progress: %w", update.Name, err)
			}
			progressJSON = string(encoded)
		}
		if err := tx.Model(&Update{}).
			Where("update_name = ?", update.Name).
			Updates(map[string]interface{}{
				"progress_json": progressJSON,
				"done":          result.Finished,
				"updated_at":    r.clock().UTC(),
			}).Error; err != nil {
			return fmt.Errorf("background: %s: checkpoint: %w", update.Name, err)
		}

		outcome.Processed = result.Processed
		outcome.Finished = result.Finished
		return nil
	})

	if outcome.Idle && err == nil {
		return outcome, nil
	}
	r.observer.ObserveBatch(outcome.Name, outcome.Processed, r.clock().Sub(started), err)
	if err != nil {
		return Outcome{Name: outcome.Name}, err
	}
	if outcome.Finished {
		r.logger.Info("background update finished", zap.String("update", outcome.Name))
	} else {
		r.logger.Debug("background update batch processed",
			zap.String("update", outcome.Name),
			zap.Int("processed", outcome.Processed))
	}
	return outcome, nil
}

func nextEligible(tx *gorm.DB) (Update, bool, error) {
	var updates []Update
	if err := tx.Order("ordering ASC, update_name ASC").Find(&updates).Error; err != nil {
		return Update{}, false, err
	}
	doneByName := make(map[string]bool, len(updates))
	for _, update := range updates {
		doneByName[update.Name] = update.Done
	}
	pending := 0
	for _, update := range updates {
		if update.Done {
			continue
		}
		pending++
		if update.DependsOn == "" {
			return update, true, nil
		}
		// A dependency that was never scheduled counts as satisfied.
		if done, known := doneByName[update.DependsOn]; !known || done {
			return update, true, nil
		}
	}
	if pending > 0 {
		return Update{}, false, ErrBlocked
	}
	return Update{}, false, nil
}

// RunToCompletion drives the runner until every stage is done or an error occurs.
func RunToCompletion(ctx context.Context, runner *Runner, batchSize int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := runner.DoNextBatch(ctx, batchSize)
		if err != nil {
			return err
		}
		if outcome.Idle {
			return nil
		}
	}
}
