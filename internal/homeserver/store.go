package homeserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("homeserver: database connection required")

// StoreConfig describes the dependencies required by the room state store.
type StoreConfig struct {
	Database   *gorm.DB
	ServerName string
}

// Store reads and writes rooms, memberships, accounts and profiles.
// Every method runs against the bound handle, which may be a transaction.
type Store struct {
	db         *gorm.DB
	serverName string
}

// NewStore constructs the room state store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	serverName := strings.TrimSpace(cfg.ServerName)
	if serverName == "" {
		return nil, fmt.Errorf("homeserver: server name required")
	}
	return &Store{db: cfg.Database, serverName: serverName}, nil
}

// WithTx returns a copy of the store bound to the given transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, serverName: s.serverName}
}

// ServerName returns the local server name.
func (s *Store) ServerName() string {
	return s.serverName
}

// IsLocal reports whether the user id belongs to this server.
func (s *Store) IsLocal(userID string) bool {
	_, server, err := ParseUserID(userID)
	if err != nil {
		return false
	}
	return server == s.serverName
}

// ListRooms returns up to limit rooms with an id strictly greater than afterRoomID, ascending.
func (s *Store) ListRooms(ctx context.Context, afterRoomID string, limit int) ([]Room, error) {
	var rooms []Room
	err := s.db.WithContext(ctx).
		Where("room_id > ?", afterRoomID).
		Order("room_id ASC").
		Limit(limit).
		Find(&rooms).Error
	return rooms, err
}

// Room loads a single room.
func (s *Store) Room(ctx context.Context, roomID string) (Room, bool, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, false, nil
	}
	if err != nil {
		return Room{}, false, err
	}
	return room, true, nil
}

// JoinedMembers returns the currently joined members of a room ordered by user id.
func (s *Store) JoinedMembers(ctx context.Context, roomID string) ([]Member, error) {
	var memberships []RoomMembership
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND membership = ?", roomID, MembershipJoin).
		Order("user_id ASC").
		Find(&memberships).Error
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(memberships))
	for _, membership := range memberships {
		members = append(members, Member{
			UserID:      membership.UserID,
			DisplayName: membership.DisplayName,
			AvatarURL:   membership.AvatarURL,
		})
	}
	return members, nil
}

// Membership loads the current membership row for a user in a room.
func (s *Store) Membership(ctx context.Context, roomID, userID string) (RoomMembership, bool, error) {
	var membership RoomMembership
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomMembership{}, false, nil
	}
	if err != nil {
		return RoomMembership{}, false, err
	}
	return membership, true, nil
}

// JoinedRoomIDs lists the rooms a user is currently joined to.
func (s *Store) JoinedRoomIDs(ctx context.Context, userID string) ([]string, error) {
	var roomIDs []string
	err := s.db.WithContext(ctx).
		Model(&RoomMembership{}).
		Where("user_id = ? AND membership = ?", userID, MembershipJoin).
		Order("room_id ASC").
		Pluck("room_id", &roomIDs).Error
	return roomIDs, err
}

// ListLocalAccounts returns up to limit accounts with an id strictly greater than afterUserID, ascending.
func (s *Store) ListLocalAccounts(ctx context.Context, afterUserID string, limit int) ([]Account, error) {
	var accounts []Account
	err := s.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// Account loads a local account.
func (s *Store) Account(ctx context.Context, userID string) (Account, bool, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, err
	}
	return account, true, nil
}

// Profile loads the global profile of a local user.
func (s *Store) Profile(ctx context.Context, userID string) (Profile, bool, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return profile, true, nil
}

// UpsertRoom creates the room or updates its visibility flag.
func (s *Store) UpsertRoom(ctx context.Context, room Room) error {
	if err := ValidateRoomID(room.RoomID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_public", "updated_at"}),
	}).Create(&room).Error
}

// SetMembership stores a membership transition and returns the previous membership state.
func (s *Store) SetMembership(ctx context.Context, membership RoomMembership) (string, error) {
	if _, _, err := ParseUserID(membership.UserID); err != nil {
		return "", err
	}
	if err := ValidateRoomID(membership.RoomID); err != nil {
		return "", err
	}
	membership.Membership = strings.ToLower(strings.TrimSpace(membership.Membership))
	previous, found, err := s.Membership(ctx, membership.RoomID, membership.UserID)
	if err != nil {
		return "", err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"membership", "display_name", "avatar_url", "stream_ordering"}),
	}).Create(&membership).Error
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return previous.Membership, nil
}

// UpsertAccount registers a local account. Registering an existing account only
// replaces its user type, and only when a non-empty one is given; the deactivation
// flag is owned by SetDeactivated.
func (s *Store) UpsertAccount(ctx context.Context, account Account) error {
	if !s.IsLocal(account.UserID) {
		return fmt.Errorf("%w: %q is not local to %s", ErrInvalidUserID, account.UserID, s.serverName)
	}
	account.UserType = strings.TrimSpace(account.UserType)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"user_type": gorm.Expr("CASE WHEN excluded.user_type = '' THEN accounts.user_type ELSE excluded.user_type END"),
		}),
	}).Create(&account).Error
}

// SetDeactivated flips the deactivation flag of an existing account.
func (s *Store) SetDeactivated(ctx context.Context, userID string, deactivated bool) error {
	result := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Update("deactivated", deactivated)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetProfile stores the global profile of a local user; a nil profile removes it.
func (s *Store) SetProfile(ctx context.Context, userID string, profile *Profile) error {
	if profile == nil {
		return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Profile{}).Error
	}
	record := Profile{
		UserID:      userID,
		DisplayName: strings.TrimSpace(profile.DisplayName),
		AvatarURL:   strings.TrimSpace(profile.AvatarURL),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "updated_at"}),
	}).Create(&record).Error
}

// MaxStreamOrdering returns the highest stream ordering recorded on any membership.
func (s *Store) MaxStreamOrdering(ctx context.Context) (int64, error) {
	var maximum *int64
	err := s.db.WithContext(ctx).
		Model(&RoomMembership{}).
		Select("MAX(stream_ordering)").
		Scan(&maximum).Error
	if err != nil || maximum == nil {
		return 0, err
	}
	return *maximum, nil
}
