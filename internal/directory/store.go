package directory

import (
	"context"
	"errors"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryUserID         = "user_id = ?"
	queryRoomID         = "room_id = ?"
	queryEitherParty    = "user_id = ? OR other_user_id = ?"
	queryRoomEither     = "room_id = ? AND (user_id = ? OR other_user_id = ?)"
	queryHasNoEdges     = "NOT EXISTS (SELECT 1 FROM users_in_public_rooms p WHERE p.user_id = user_directory.user_id) AND NOT EXISTS (SELECT 1 FROM users_who_share_private_rooms s WHERE s.user_id = user_directory.user_id)"
	orderUserIDAsc      = "user_id ASC"
	insertChunkSize     = 200
	columnDisplayName   = "display_name"
	columnAvatarURL     = "avatar_url"
	columnUpdatedAt     = "updated_at"
	columnStreamID      = "stream_id"
	columnRebuildID     = "rebuild_id"
	columnUserID        = "user_id"
	columnDirectoryStID = "id"
)

// Store persists the directory profiles and the two visibility relations.
// Every write is an idempotent upsert or delete keyed by natural identifiers.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a store over the given handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, newServiceError(opNewStore, reasonMissingDatabase, errMissingDatabase)
	}
	return &Store{db: db}, nil
}

// WithTx returns a copy of the store bound to the given transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// UpsertProfile creates or refreshes a directory profile.
func (s *Store) UpsertProfile(ctx context.Context, profile DirectoryProfile) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnUserID}},
		DoUpdates: clause.AssignmentColumns([]string{columnDisplayName, columnAvatarURL, columnUpdatedAt}),
	}).Create(&profile).Error
}

// InsertProfileIfMissing creates a profile without touching an existing one.
func (s *Store) InsertProfileIfMissing(ctx context.Context, profile DirectoryProfile) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&profile).Error
}

// Profile loads a directory profile.
func (s *Store) Profile(ctx context.Context, userID string) (DirectoryProfile, bool, error) {
	var profile DirectoryProfile
	err := s.db.WithContext(ctx).Where(queryUserID, userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DirectoryProfile{}, false, nil
	}
	if err != nil {
		return DirectoryProfile{}, false, err
	}
	return profile, true, nil
}

// DeleteProfile removes a directory profile, leaving relation rows untouched.
func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where(queryUserID, userID).Delete(&DirectoryProfile{}).Error
}

// AddPublicMember records a user as joined to a public room.
func (s *Store) AddPublicMember(ctx context.Context, userID, roomID string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&PublicMembership{UserID: userID, RoomID: roomID}).Error
}

// RemovePublicMember removes a user's public membership of one room.
func (s *Store) RemovePublicMember(ctx context.Context, userID, roomID string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Delete(&PublicMembership{}).Error
}

// AddPrivateShares makes userID and every peer mutually visible through roomID.
func (s *Store) AddPrivateShares(ctx context.Context, roomID, userID string, peers []string) error {
	rows := make([]PrivateShare, 0, 2*len(peers))
	for _, peer := range peers {
		if peer == userID {
			continue
		}
		rows = append(rows,
			PrivateShare{UserID: userID, OtherUserID: peer, RoomID: roomID},
			PrivateShare{UserID: peer, OtherUserID: userID, RoomID: roomID},
		)
	}
	return s.insertPrivateShares(ctx, rows)
}

// AddPrivateRoomMembers writes every ordered pair of distinct members for roomID.
func (s *Store) AddPrivateRoomMembers(ctx context.Context, roomID string, members []string) error {
	rows := make([]PrivateShare, 0, len(members)*len(members))
	for _, member := range members {
		for _, other := range members {
			if member == other {
				continue
			}
			rows = append(rows, PrivateShare{UserID: member, OtherUserID: other, RoomID: roomID})
		}
	}
	return s.insertPrivateShares(ctx, rows)
}

func (s *Store) insertPrivateShares(ctx context.Context, rows []PrivateShare) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, insertChunkSize).Error
}

// RemovePrivateShares removes every row of roomID where userID is either party and
// returns the peers that lost a row.
func (s *Store) RemovePrivateShares(ctx context.Context, roomID, userID string) ([]string, error) {
	var rows []PrivateShare
	if err := s.db.WithContext(ctx).
		Where(queryRoomEither, roomID, userID, userID).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := s.db.WithContext(ctx).
		Where(queryRoomEither, roomID, userID, userID).
		Delete(&PrivateShare{}).Error; err != nil {
		return nil, err
	}
	return peersOf(userID, rows), nil
}

// RemoveRoom drops every relation row of a room and returns the users that had one.
func (s *Store) RemoveRoom(ctx context.Context, roomID string) ([]string, error) {
	var publicUsers []string
	if err := s.db.WithContext(ctx).
		Model(&PublicMembership{}).
		Where(queryRoomID, roomID).
		Pluck(columnUserID, &publicUsers).Error; err != nil {
		return nil, err
	}
	var privateUsers []string
	if err := s.db.WithContext(ctx).
		Model(&PrivateShare{}).
		Distinct(columnUserID).
		Where(queryRoomID, roomID).
		Pluck(columnUserID, &privateUsers).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where(queryRoomID, roomID).Delete(&PublicMembership{}).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where(queryRoomID, roomID).Delete(&PrivateShare{}).Error; err != nil {
		return nil, err
	}
	return uniqueSorted(append(publicUsers, privateUsers...)), nil
}

// PurgeUser removes the profile and every relation row naming userID, returning the
// peers that lost a private share.
func (s *Store) PurgeUser(ctx context.Context, userID string) ([]string, error) {
	var rows []PrivateShare
	if err := s.db.WithContext(ctx).Where(queryEitherParty, userID, userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where(queryEitherParty, userID, userID).Delete(&PrivateShare{}).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where(queryUserID, userID).Delete(&PublicMembership{}).Error; err != nil {
		return nil, err
	}
	if err := s.DeleteProfile(ctx, userID); err != nil {
		return nil, err
	}
	return peersOf(userID, rows), nil
}

// EdgeCount returns the number of relation rows that make userID visible to someone.
func (s *Store) EdgeCount(ctx context.Context, userID string) (int64, error) {
	var public int64
	if err := s.db.WithContext(ctx).Model(&PublicMembership{}).Where(queryUserID, userID).Count(&public).Error; err != nil {
		return 0, err
	}
	var private int64
	if err := s.db.WithContext(ctx).Model(&PrivateShare{}).Where(queryUserID, userID).Count(&private).Error; err != nil {
		return 0, err
	}
	return public + private, nil
}

// OrphanProfiles lists up to limit profiles after afterUserID that have no relation rows.
func (s *Store) OrphanProfiles(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&DirectoryProfile{}).
		Where("user_id > ?", afterUserID).
		Where(queryHasNoEdges).
		Order(orderUserIDAsc).
		Limit(limit).
		Pluck(columnUserID, &userIDs).Error
	return userIDs, err
}

// DeleteProfiles removes the given profiles.
func (s *Store) DeleteProfiles(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Delete(&DirectoryProfile{}).Error
}

// PublicMemberships lists every public membership row ordered by user and room.
func (s *Store) PublicMemberships(ctx context.Context) ([]PublicMembership, error) {
	var rows []PublicMembership
	err := s.db.WithContext(ctx).Order("user_id ASC, room_id ASC").Find(&rows).Error
	return rows, err
}

// PrivateShares lists every private share row ordered by its key.
func (s *Store) PrivateShares(ctx context.Context) ([]PrivateShare, error) {
	var rows []PrivateShare
	err := s.db.WithContext(ctx).Order("user_id ASC, other_user_id ASC, room_id ASC").Find(&rows).Error
	return rows, err
}

// Profiles lists every directory profile ordered by user id.
func (s *Store) Profiles(ctx context.Context) ([]DirectoryProfile, error) {
	var rows []DirectoryProfile
	err := s.db.WithContext(ctx).Order(orderUserIDAsc).Find(&rows).Error
	return rows, err
}

// DeleteAll wipes both relations, every profile and the stream position.
func (s *Store) DeleteAll(ctx context.Context) error {
	db := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	for _, model := range []interface{}{&PrivateShare{}, &PublicMembership{}, &DirectoryProfile{}} {
		if err := db.Delete(model).Error; err != nil {
			return err
		}
	}
	return s.SetStreamPosition(ctx, nil)
}

// State loads the bookkeeping row, returning a zero state when absent.
func (s *Store) State(ctx context.Context) (DirectoryState, error) {
	var state DirectoryState
	err := s.db.WithContext(ctx).Where("id = ?", directoryStateID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DirectoryState{ID: directoryStateID}, nil
	}
	return state, err
}

// SetStreamPosition records the feed position the directory reflects; nil clears it.
func (s *Store) SetStreamPosition(ctx context.Context, position *int64) error {
	state := DirectoryState{ID: directoryStateID, StreamPosition: position}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnDirectoryStID}},
		DoUpdates: clause.AssignmentColumns([]string{columnStreamID, columnUpdatedAt}),
	}).Create(&state).Error
}

// AdvanceStreamPosition moves the stream position forward, never backwards.
func (s *Store) AdvanceStreamPosition(ctx context.Context, position int64) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	if state.StreamPosition != nil && *state.StreamPosition >= position {
		return nil
	}
	return s.SetStreamPosition(ctx, &position)
}

// SetRebuildID records the identifier of the most recent rebuild.
func (s *Store) SetRebuildID(ctx context.Context, rebuildID string) error {
	state := DirectoryState{ID: directoryStateID, RebuildID: rebuildID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnDirectoryStID}},
		DoUpdates: clause.AssignmentColumns([]string{columnRebuildID, columnUpdatedAt}),
	}).Create(&state).Error
}

func peersOf(userID string, rows []PrivateShare) []string {
	peers := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.UserID == userID {
			peers = append(peers, row.OtherUserID)
		} else {
			peers = append(peers, row.UserID)
		}
	}
	return uniqueSorted(peers)
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	sort.Strings(unique)
	return unique
}
