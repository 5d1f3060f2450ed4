package directory

import (
	"context"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	updateKindProfile     = "profile"
	updateKindDeactivate  = "deactivation"
	updateKindMembership  = "membership"
	updateKindVisibility  = "room_visibility"
	updateKindAccount     = "account"
	logFieldUserID        = "user_id"
	logFieldRoomID        = "room_id"
	logFieldMembership    = "membership"
	logFieldRoomIsPublic  = "room_is_public"
	logFieldAffectedCount = "affected"
)

// UpdateObserver receives one notification per applied incremental update.
type UpdateObserver interface {
	ObserveUpdate(kind string, err error)
}

type noopUpdateObserver struct{}

func (noopUpdateObserver) ObserveUpdate(string, error) {}

// UpdaterConfig describes the dependencies of the incremental updater.
type UpdaterConfig struct {
	Database  *gorm.DB
	RoomState *homeserver.Store
	Config    Config
	Logger    *zap.Logger
	Observer  UpdateObserver
}

// Updater applies membership, profile and deactivation changes to the directory
// as minimal deltas. Every operation runs in one transaction; when the updater is
// bound to the caller's transaction with WithTx the delta commits together with the
// change that triggered it.
type Updater struct {
	db       *gorm.DB
	rooms    *homeserver.Store
	config   Config
	logger   *zap.Logger
	observer UpdateObserver
}

// NewUpdater constructs the incremental updater.
func NewUpdater(cfg UpdaterConfig) (*Updater, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewUpdater, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.RoomState == nil {
		return nil, newServiceError(opNewUpdater, reasonMissingRooms, errMissingRoomState)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopUpdateObserver{}
	}
	return &Updater{
		db:       cfg.Database,
		rooms:    cfg.RoomState,
		config:   cfg.Config,
		logger:   logger,
		observer: observer,
	}, nil
}

// WithTx returns a copy of the updater bound to the caller's transaction.
func (u *Updater) WithTx(tx *gorm.DB) *Updater {
	bound := *u
	bound.db = tx
	bound.rooms = u.rooms.WithTx(tx)
	return &bound
}

// OnProfileChange applies a local profile edit. Deactivated and support accounts are ignored.
// A nil profile removes the user from the directory, unless every user is searchable,
// in which case a bare entry is kept.
func (u *Updater) OnProfileChange(ctx context.Context, userID string, profile *ProfileInfo) error {
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store, rooms := &Store{db: tx}, u.rooms.WithTx(tx)

		account, found, err := rooms.Account(ctx, userID)
		if err != nil {
			return newServiceError(opProfileChange, reasonQueryFailed, err)
		}
		if !found || !account.Indexable() {
			u.logger.Debug("ignoring profile change for unindexable user", zap.String(logFieldUserID, userID))
			return nil
		}

		if profile == nil {
			if u.config.SearchAllUsers {
				return wrapWrite(opProfileChange, store.UpsertProfile(ctx, DirectoryProfile{UserID: userID}))
			}
			peers, err := store.PurgeUser(ctx, userID)
			if err != nil {
				return newServiceError(opProfileChange, reasonWriteFailed, err)
			}
			return u.pruneOrphans(ctx, tx, opProfileChange, peers)
		}

		qualifies, err := u.qualifies(ctx, store, userID)
		if err != nil {
			return newServiceError(opProfileChange, reasonQueryFailed, err)
		}
		if !qualifies {
			return wrapWrite(opProfileChange, store.DeleteProfile(ctx, userID))
		}
		return wrapWrite(opProfileChange, store.UpsertProfile(ctx, DirectoryProfile{
			UserID:      userID,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
		}))
	})
	u.finish(updateKindProfile, opProfileChange, err, zap.String(logFieldUserID, userID))
	return err
}

// OnUserDeactivated purges every trace of a user. Support accounts are never indexed
// and are left alone.
func (u *Updater) OnUserDeactivated(ctx context.Context, userID string) error {
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store, rooms := &Store{db: tx}, u.rooms.WithTx(tx)

		account, found, err := rooms.Account(ctx, userID)
		if err != nil {
			return newServiceError(opUserDeactivated, reasonQueryFailed, err)
		}
		if found && account.IsSupport() {
			return nil
		}
		peers, err := store.PurgeUser(ctx, userID)
		if err != nil {
			return newServiceError(opUserDeactivated, reasonWriteFailed, err)
		}
		return u.pruneOrphans(ctx, tx, opUserDeactivated, peers)
	})
	u.finish(updateKindDeactivate, opUserDeactivated, err, zap.String(logFieldUserID, userID))
	return err
}

// OnAccountChange re-syncs a local user after their account record changed. An
// unindexable account is purged; an indexable one has every joined room replayed as a
// join and then its global profile applied, which yields the rows a full population
// would write for the user.
func (u *Updater) OnAccountChange(ctx context.Context, userID string) error {
	if _, _, err := homeserver.ParseUserID(userID); err != nil {
		return newServiceError(opAccountChange, reasonInvalidUserID, err)
	}
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bound := u.WithTx(tx)
		store, rooms := &Store{db: tx}, bound.rooms

		account, found, err := rooms.Account(ctx, userID)
		if err != nil {
			return newServiceError(opAccountChange, reasonQueryFailed, err)
		}
		if !found {
			return newServiceError(opAccountChange, reasonUnknownAccount, gorm.ErrRecordNotFound)
		}
		if !account.Indexable() {
			peers, err := store.PurgeUser(ctx, userID)
			if err != nil {
				return newServiceError(opAccountChange, reasonWriteFailed, err)
			}
			return u.pruneOrphans(ctx, tx, opAccountChange, peers)
		}

		roomIDs, err := rooms.JoinedRoomIDs(ctx, userID)
		if err != nil {
			return newServiceError(opAccountChange, reasonQueryFailed, err)
		}
		for _, roomID := range roomIDs {
			room, roomFound, err := rooms.Room(ctx, roomID)
			if err != nil {
				return newServiceError(opAccountChange, reasonQueryFailed, err)
			}
			membership, _, err := rooms.Membership(ctx, roomID, userID)
			if err != nil {
				return newServiceError(opAccountChange, reasonQueryFailed, err)
			}
			if err := bound.OnMembershipChange(ctx, MembershipChange{
				UserID:       userID,
				RoomID:       roomID,
				RoomIsPublic: roomFound && room.IsPublic,
				Membership:   homeserver.MembershipJoin,
				DisplayName:  membership.DisplayName,
				AvatarURL:    membership.AvatarURL,
			}); err != nil {
				return err
			}
		}

		profile, profileFound, err := rooms.Profile(ctx, userID)
		if err != nil {
			return newServiceError(opAccountChange, reasonQueryFailed, err)
		}
		info := &ProfileInfo{}
		if profileFound {
			info = &ProfileInfo{DisplayName: profile.DisplayName, AvatarURL: profile.AvatarURL}
		}
		return bound.OnProfileChange(ctx, userID, info)
	})
	u.finish(updateKindAccount, opAccountChange, err, zap.String(logFieldUserID, userID))
	return err
}

// OnMembershipChange applies a membership transition of one user in one room.
func (u *Updater) OnMembershipChange(ctx context.Context, change MembershipChange) error {
	if _, _, err := homeserver.ParseUserID(change.UserID); err != nil {
		return newServiceError(opMembershipChange, reasonInvalidUserID, err)
	}
	if err := homeserver.ValidateRoomID(change.RoomID); err != nil {
		return newServiceError(opMembershipChange, reasonInvalidRoomID, err)
	}

	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store, rooms := &Store{db: tx}, u.rooms.WithTx(tx)

		if homeserver.IsJoined(change.Membership) {
			if err := u.applyJoin(ctx, store, rooms, change); err != nil {
				return err
			}
		} else if err := u.applyLeave(ctx, tx, store, change); err != nil {
			return err
		}

		if change.StreamOrdering > 0 {
			return wrapWrite(opMembershipChange, store.AdvanceStreamPosition(ctx, change.StreamOrdering))
		}
		return nil
	})
	u.finish(updateKindMembership, opMembershipChange, err,
		zap.String(logFieldUserID, change.UserID),
		zap.String(logFieldRoomID, change.RoomID),
		zap.String(logFieldMembership, change.Membership),
		zap.Bool(logFieldRoomIsPublic, change.RoomIsPublic))
	return err
}

func (u *Updater) applyJoin(ctx context.Context, store *Store, rooms *homeserver.Store, change MembershipChange) error {
	indexable, err := userIndexable(ctx, rooms, change.UserID)
	if err != nil {
		return newServiceError(opMembershipChange, reasonQueryFailed, err)
	}
	if !indexable {
		return nil
	}

	var peers []homeserver.Member
	if change.RoomIsPublic {
		if err := store.AddPublicMember(ctx, change.UserID, change.RoomID); err != nil {
			return newServiceError(opMembershipChange, reasonWriteFailed, err)
		}
	} else {
		members, err := rooms.JoinedMembers(ctx, change.RoomID)
		if err != nil {
			return newServiceError(opMembershipChange, reasonQueryFailed, err)
		}
		peers, err = indexableMembers(ctx, rooms, members, change.UserID)
		if err != nil {
			return newServiceError(opMembershipChange, reasonQueryFailed, err)
		}
		if err := store.AddPrivateShares(ctx, change.RoomID, change.UserID, memberIDs(peers)); err != nil {
			return newServiceError(opMembershipChange, reasonWriteFailed, err)
		}
	}

	joiner := homeserver.Member{UserID: change.UserID, DisplayName: change.DisplayName, AvatarURL: change.AvatarURL}
	profile, err := profileFor(ctx, rooms, joiner)
	if err != nil {
		return newServiceError(opMembershipChange, reasonQueryFailed, err)
	}
	qualifies, err := u.qualifies(ctx, store, change.UserID)
	if err != nil {
		return newServiceError(opMembershipChange, reasonQueryFailed, err)
	}
	if qualifies {
		if err := store.UpsertProfile(ctx, profile); err != nil {
			return newServiceError(opMembershipChange, reasonWriteFailed, err)
		}
	}

	// Peers that were alone in the room just gained their first edge.
	for _, peer := range peers {
		peerProfile, err := profileFor(ctx, rooms, peer)
		if err != nil {
			return newServiceError(opMembershipChange, reasonQueryFailed, err)
		}
		if err := store.InsertProfileIfMissing(ctx, peerProfile); err != nil {
			return newServiceError(opMembershipChange, reasonWriteFailed, err)
		}
	}
	return nil
}

func (u *Updater) applyLeave(ctx context.Context, tx *gorm.DB, store *Store, change MembershipChange) error {
	if err := store.RemovePublicMember(ctx, change.UserID, change.RoomID); err != nil {
		return newServiceError(opMembershipChange, reasonWriteFailed, err)
	}
	peers, err := store.RemovePrivateShares(ctx, change.RoomID, change.UserID)
	if err != nil {
		return newServiceError(opMembershipChange, reasonWriteFailed, err)
	}
	return u.pruneOrphans(ctx, tx, opMembershipChange, append(peers, change.UserID))
}

// OnRoomVisibilityChange re-files every current member of a room under its new
// visibility, as if each had left and rejoined.
func (u *Updater) OnRoomVisibilityChange(ctx context.Context, roomID string, isPublic bool) error {
	if err := homeserver.ValidateRoomID(roomID); err != nil {
		return newServiceError(opVisibilityChange, reasonInvalidRoomID, err)
	}
	affectedCount := 0
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store, rooms := &Store{db: tx}, u.rooms.WithTx(tx)

		affected, err := store.RemoveRoom(ctx, roomID)
		if err != nil {
			return newServiceError(opVisibilityChange, reasonWriteFailed, err)
		}
		joined, err := rooms.JoinedMembers(ctx, roomID)
		if err != nil {
			return newServiceError(opVisibilityChange, reasonQueryFailed, err)
		}
		members, err := indexableMembers(ctx, rooms, joined, "")
		if err != nil {
			return newServiceError(opVisibilityChange, reasonQueryFailed, err)
		}
		if err := writeRoomEdges(ctx, store, roomID, isPublic, memberIDs(members)); err != nil {
			return newServiceError(opVisibilityChange, reasonWriteFailed, err)
		}
		for _, member := range members {
			profile, err := profileFor(ctx, rooms, member)
			if err != nil {
				return newServiceError(opVisibilityChange, reasonQueryFailed, err)
			}
			if err := store.InsertProfileIfMissing(ctx, profile); err != nil {
				return newServiceError(opVisibilityChange, reasonWriteFailed, err)
			}
		}
		affected = append(affected, memberIDs(members)...)
		affectedCount = len(uniqueSorted(affected))
		return u.pruneOrphans(ctx, tx, opVisibilityChange, affected)
	})
	u.finish(updateKindVisibility, opVisibilityChange, err,
		zap.String(logFieldRoomID, roomID),
		zap.Bool(logFieldRoomIsPublic, isPublic),
		zap.Int(logFieldAffectedCount, affectedCount))
	return err
}

// writeRoomEdges files the given members of a room under its visibility flag.
func writeRoomEdges(ctx context.Context, store *Store, roomID string, isPublic bool, members []string) error {
	if !isPublic {
		return store.AddPrivateRoomMembers(ctx, roomID, members)
	}
	for _, member := range members {
		if err := store.AddPublicMember(ctx, member, roomID); err != nil {
			return err
		}
	}
	return nil
}

// pruneOrphans drops the profiles of users left without any relation row, unless
// every user is searchable.
func (u *Updater) pruneOrphans(ctx context.Context, tx *gorm.DB, operation string, userIDs []string) error {
	if u.config.SearchAllUsers {
		return nil
	}
	store := &Store{db: tx}
	for _, userID := range uniqueSorted(userIDs) {
		edges, err := store.EdgeCount(ctx, userID)
		if err != nil {
			return newServiceError(operation, reasonQueryFailed, err)
		}
		if edges > 0 {
			continue
		}
		if err := store.DeleteProfile(ctx, userID); err != nil {
			return newServiceError(operation, reasonWriteFailed, err)
		}
	}
	return nil
}

func (u *Updater) qualifies(ctx context.Context, store *Store, userID string) (bool, error) {
	if u.config.SearchAllUsers {
		return true, nil
	}
	edges, err := store.EdgeCount(ctx, userID)
	return edges > 0, err
}

func indexableMembers(ctx context.Context, rooms *homeserver.Store, members []homeserver.Member, exclude string) ([]homeserver.Member, error) {
	filtered := make([]homeserver.Member, 0, len(members))
	for _, member := range members {
		if member.UserID == exclude {
			continue
		}
		ok, err := userIndexable(ctx, rooms, member.UserID)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, member)
		}
	}
	return filtered, nil
}

func (u *Updater) finish(kind, operation string, err error, fields ...zap.Field) {
	u.observer.ObserveUpdate(kind, err)
	if err != nil {
		logError(u.logger, operation, "update_failed", err, fields...)
		return
	}
	u.logger.Debug("user directory updated", append([]zap.Field{zap.String("kind", kind)}, fields...)...)
}

// userIndexable reports whether a user may enter the directory: remote users always
// may, local users only with an active, non-support account. Malformed ids never may.
func userIndexable(ctx context.Context, rooms *homeserver.Store, userID string) (bool, error) {
	if _, _, err := homeserver.ParseUserID(userID); err != nil {
		return false, nil
	}
	if !rooms.IsLocal(userID) {
		return true, nil
	}
	account, found, err := rooms.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	return found && account.Indexable(), nil
}

// profileFor builds the directory profile of a member: local users use their global
// profile when they have one, everyone else the per-room member state.
func profileFor(ctx context.Context, rooms *homeserver.Store, member homeserver.Member) (DirectoryProfile, error) {
	profile := DirectoryProfile{
		UserID:      member.UserID,
		DisplayName: member.DisplayName,
		AvatarURL:   member.AvatarURL,
	}
	if !rooms.IsLocal(member.UserID) {
		return profile, nil
	}
	global, found, err := rooms.Profile(ctx, member.UserID)
	if err != nil {
		return DirectoryProfile{}, err
	}
	if found {
		profile.DisplayName = global.DisplayName
		profile.AvatarURL = global.AvatarURL
	}
	return profile, nil
}

func memberIDs(members []homeserver.Member) []string {
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.UserID)
	}
	return ids
}

func wrapWrite(operation string, err error) error {
	if err == nil {
		return nil
	}
	return newServiceError(operation, reasonWriteFailed, err)
}
