package directory

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingRoomState = errors.New("room state store is required")
	errMissingRunner    = errors.New("background runner is required")
	errMissingUpdater   = errors.New("incremental updater is required")
	noOpLogger          = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNewStore            = "directory.store.new"
	opNewUpdater          = "directory.updater.new"
	opNewSearcher         = "directory.searcher.new"
	opNewAdmin            = "directory.admin.new"
	opNewPopulator        = "directory.populator.new"
	opSearchUsers         = "directory.search_users"
	opProfileChange       = "directory.on_profile_change"
	opUserDeactivated     = "directory.on_user_deactivated"
	opMembershipChange    = "directory.on_membership_change"
	opVisibilityChange    = "directory.on_room_visibility_change"
	opAccountChange       = "directory.on_account_change"
	opRebuild             = "directory.rebuild"
	opStatus              = "directory.status"
	opReactivate          = "directory.reactivate"
	reasonMissingDatabase = "missing_database"
	reasonMissingRooms    = "missing_room_state"
	reasonMissingRunner   = "missing_runner"
	reasonMissingUpdater  = "missing_updater"
	reasonInvalidUserID   = "invalid_user_id"
	reasonInvalidRoomID   = "invalid_room_id"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonUnknownAccount  = "unknown_account"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("user directory error", attrs...)
}
