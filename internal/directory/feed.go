package directory

import (
	"context"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opFeed = "directory.feed"

// FeedConfig describes the dependencies of the change feed.
type FeedConfig struct {
	Database  *gorm.DB
	RoomState *homeserver.Store
	Updater   *Updater
	Logger    *zap.Logger
}

// Feed records room state changes and applies the matching directory delta in the
// same transaction, so the directory never observes a change it has not indexed.
type Feed struct {
	db      *gorm.DB
	rooms   *homeserver.Store
	updater *Updater
	logger  *zap.Logger
}

// NewFeed constructs the change feed.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opFeed, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.RoomState == nil {
		return nil, newServiceError(opFeed, reasonMissingRooms, errMissingRoomState)
	}
	if cfg.Updater == nil {
		return nil, newServiceError(opFeed, reasonMissingUpdater, errMissingUpdater)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Feed{db: cfg.Database, rooms: cfg.RoomState, updater: cfg.Updater, logger: logger}, nil
}

// RegisterAccount creates or updates a local account and, when given, its global
// profile, then re-syncs the user so memberships recorded before the account existed
// are indexed. Registration never changes the deactivation flag.
func (f *Feed) RegisterAccount(ctx context.Context, account homeserver.Account, profile *ProfileInfo) error {
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rooms := f.rooms.WithTx(tx)
		if err := rooms.UpsertAccount(ctx, account); err != nil {
			return err
		}
		if profile != nil {
			if err := rooms.SetProfile(ctx, account.UserID, &homeserver.Profile{
				DisplayName: profile.DisplayName,
				AvatarURL:   profile.AvatarURL,
			}); err != nil {
				return err
			}
		}
		return f.updater.WithTx(tx).OnAccountChange(ctx, account.UserID)
	})
}

// CreateRoom records a room and its visibility; an existing room has its visibility
// changed and its members re-filed.
func (f *Feed) CreateRoom(ctx context.Context, roomID string, isPublic bool) error {
	return f.SetRoomVisibility(ctx, roomID, isPublic)
}

// SetRoomVisibility records the visibility flag of a room and re-files its members
// when the flag changed.
func (f *Feed) SetRoomVisibility(ctx context.Context, roomID string, isPublic bool) error {
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rooms := f.rooms.WithTx(tx)
		previous, found, err := rooms.Room(ctx, roomID)
		if err != nil {
			return err
		}
		if err := rooms.UpsertRoom(ctx, homeserver.Room{RoomID: roomID, IsPublic: isPublic}); err != nil {
			return err
		}
		if found && previous.IsPublic == isPublic {
			return nil
		}
		return f.updater.WithTx(tx).OnRoomVisibilityChange(ctx, roomID, isPublic)
	})
}

// SetMembership records a membership transition of one user in a known room.
func (f *Feed) SetMembership(ctx context.Context, membership homeserver.RoomMembership) error {
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rooms := f.rooms.WithTx(tx)
		room, found, err := rooms.Room(ctx, membership.RoomID)
		if err != nil {
			return err
		}
		if !found {
			return gorm.ErrRecordNotFound
		}
		previous, err := rooms.SetMembership(ctx, membership)
		if err != nil {
			return err
		}
		if !homeserver.IsJoined(previous) && !homeserver.IsJoined(membership.Membership) {
			f.logger.Debug("membership transition does not touch the directory",
				zap.String(logFieldUserID, membership.UserID),
				zap.String(logFieldRoomID, membership.RoomID),
				zap.String(logFieldMembership, membership.Membership))
			return nil
		}
		return f.updater.WithTx(tx).OnMembershipChange(ctx, MembershipChange{
			UserID:         membership.UserID,
			RoomID:         membership.RoomID,
			RoomIsPublic:   room.IsPublic,
			Membership:     membership.Membership,
			DisplayName:    membership.DisplayName,
			AvatarURL:      membership.AvatarURL,
			StreamOrdering: membership.StreamOrdering,
		})
	})
}

// SetProfile records the global profile of a local user; nil clears it.
func (f *Feed) SetProfile(ctx context.Context, userID string, profile *ProfileInfo) error {
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record *homeserver.Profile
		if profile != nil {
			record = &homeserver.Profile{DisplayName: profile.DisplayName, AvatarURL: profile.AvatarURL}
		}
		if err := f.rooms.WithTx(tx).SetProfile(ctx, userID, record); err != nil {
			return err
		}
		return f.updater.WithTx(tx).OnProfileChange(ctx, userID, profile)
	})
}

// Deactivate flags a local account as deactivated and purges it from the directory.
func (f *Feed) Deactivate(ctx context.Context, userID string) error {
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := f.rooms.WithTx(tx).SetDeactivated(ctx, userID, true); err != nil {
			return err
		}
		return f.updater.WithTx(tx).OnUserDeactivated(ctx, userID)
	})
}
