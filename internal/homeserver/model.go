package homeserver

import (
	"strings"
	"time"
)

// Membership states carried by room member events.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// UserTypeSupport marks service accounts that never enter the user directory.
const UserTypeSupport = "support"

// Room records a room and whether it is listed in the public room directory.
type Room struct {
	RoomID    string    `gorm:"column:room_id;primaryKey;size:255;not null"`
	IsPublic  bool      `gorm:"column:is_public;not null;default:false"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// RoomMembership is the current membership of one user in one room.
type RoomMembership struct {
	RoomID         string `gorm:"column:room_id;primaryKey;size:255;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:255;not null;index:idx_room_memberships_user"`
	Membership     string `gorm:"column:membership;size:16;not null;index:idx_room_memberships_room_state,priority:2"`
	DisplayName    string `gorm:"column:display_name;size:320"`
	AvatarURL      string `gorm:"column:avatar_url;size:512"`
	StreamOrdering int64  `gorm:"column:stream_ordering;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomMembership) TableName() string {
	return "room_memberships"
}

// Account is a local user account.
type Account struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:255;not null"`
	UserType    string    `gorm:"column:user_type;size:32;not null;default:''"`
	Deactivated bool      `gorm:"column:deactivated;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// IsSupport reports whether the account is a support-type account.
func (a Account) IsSupport() bool {
	return a.UserType == UserTypeSupport
}

// Indexable reports whether the account may appear in the user directory at all.
func (a Account) Indexable() bool {
	return !a.Deactivated && !a.IsSupport()
}

// Profile is the global profile of a local user.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:255;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}

// Member is a joined member of a room as seen in its current state.
type Member struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// IsJoined reports whether a membership state makes the user visible in the room.
func IsJoined(membership string) bool {
	return strings.EqualFold(strings.TrimSpace(membership), MembershipJoin)
}
