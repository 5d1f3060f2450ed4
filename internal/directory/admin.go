package directory

import (
	"context"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/background"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Waker is notified when new background work has been scheduled.
type Waker interface {
	Wake()
}

// AdminConfig describes the dependencies of the administrative operations.
type AdminConfig struct {
	Database  *gorm.DB
	RoomState *homeserver.Store
	Runner    *background.Runner
	Updater   *Updater
	Waker     Waker
	Logger    *zap.Logger
}

// Admin exposes rebuild, status and reactivation.
type Admin struct {
	db      *gorm.DB
	rooms   *homeserver.Store
	runner  *background.Runner
	updater *Updater
	waker   Waker
	logger  *zap.Logger
}

// AdminStatus summarises the state of the directory and its population stages.
type AdminStatus struct {
	RebuildID      string              `json:"rebuild_id,omitempty"`
	StreamPosition *int64              `json:"stream_position"`
	Completed      bool                `json:"completed"`
	Stages         []background.Status `json:"stages"`
}

// NewAdmin constructs the administrative operations.
func NewAdmin(cfg AdminConfig) (*Admin, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewAdmin, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.RoomState == nil {
		return nil, newServiceError(opNewAdmin, reasonMissingRooms, errMissingRoomState)
	}
	if cfg.Runner == nil {
		return nil, newServiceError(opNewAdmin, reasonMissingRunner, errMissingRunner)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Admin{
		db:      cfg.Database,
		rooms:   cfg.RoomState,
		runner:  cfg.Runner,
		updater: cfg.Updater,
		waker:   cfg.Waker,
		logger:  logger,
	}, nil
}

// Rebuild wipes the directory and schedules a full population from scratch.
// The wipe and the schedule commit together. It returns the id of the new run.
func (a *Admin) Rebuild(ctx context.Context) (string, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		logError(a.logger, opRebuild, reasonIDFailed, err)
		return "", newServiceError(opRebuild, reasonIDFailed, err)
	}
	rebuildID := runID.String()

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := &Store{db: tx}
		if err := store.DeleteAll(ctx); err != nil {
			return err
		}
		if err := background.Enqueue(ctx, tx, PopulationStages()); err != nil {
			return err
		}
		return store.SetRebuildID(ctx, rebuildID)
	})
	if err != nil {
		logError(a.logger, opRebuild, reasonWriteFailed, err)
		return "", newServiceError(opRebuild, reasonWriteFailed, err)
	}
	if a.waker != nil {
		a.waker.Wake()
	}
	a.logger.Info("user directory rebuild scheduled", zap.String("rebuild_id", rebuildID))
	return rebuildID, nil
}

// Status reports the bookkeeping state and the progress of every population stage.
func (a *Admin) Status(ctx context.Context) (AdminStatus, error) {
	state, err := (&Store{db: a.db}).State(ctx)
	if err != nil {
		return AdminStatus{}, newServiceError(opStatus, reasonQueryFailed, err)
	}
	stages, err := a.runner.Status(ctx)
	if err != nil {
		return AdminStatus{}, newServiceError(opStatus, reasonQueryFailed, err)
	}
	completed, err := a.runner.HasCompleted(ctx)
	if err != nil {
		return AdminStatus{}, newServiceError(opStatus, reasonQueryFailed, err)
	}
	return AdminStatus{
		RebuildID:      state.RebuildID,
		StreamPosition: state.StreamPosition,
		Completed:      completed,
		Stages:         stages,
	}, nil
}

// Reactivate clears the deactivation flag of a local account and replays the user's
// current memberships and profile through the incremental updater.
func (a *Admin) Reactivate(ctx context.Context, userID string) error {
	if a.updater == nil {
		return newServiceError(opReactivate, reasonMissingUpdater, errMissingUpdater)
	}
	if _, _, err := homeserver.ParseUserID(userID); err != nil {
		return newServiceError(opReactivate, reasonInvalidUserID, err)
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := a.rooms.WithTx(tx).SetDeactivated(ctx, userID, false); err != nil {
			return err
		}
		return a.updater.WithTx(tx).OnAccountChange(ctx, userID)
	})
	if err != nil {
		logError(a.logger, opReactivate, reasonWriteFailed, err, zap.String(logFieldUserID, userID))
		return newServiceError(opReactivate, reasonWriteFailed, err)
	}
	a.logger.Info("user reactivated in directory", zap.String(logFieldUserID, userID))
	return nil
}
