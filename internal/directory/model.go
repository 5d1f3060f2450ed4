package directory

import "time"

// DirectoryProfile is the searchable snapshot of an indexable user.
type DirectoryProfile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:255;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;default:''"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512;not null;default:''"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (DirectoryProfile) TableName() string {
	return "user_directory"
}

// PublicMembership records that a user is joined to a publicly listed room.
type PublicMembership struct {
	UserID string `gorm:"column:user_id;primaryKey;size:255;not null"`
	RoomID string `gorm:"column:room_id;primaryKey;size:255;not null;index:idx_users_in_public_rooms_room"`
}

// TableName provides the explicit table binding for GORM.
func (PublicMembership) TableName() string {
	return "users_in_public_rooms"
}

// PrivateShare records that OtherUserID is visible to UserID because both are joined to RoomID.
// Rows always exist in both directions.
type PrivateShare struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:255;not null"`
	OtherUserID string `gorm:"column:other_user_id;primaryKey;size:255;not null;index:idx_users_who_share_private_rooms_other"`
	RoomID      string `gorm:"column:room_id;primaryKey;size:255;not null;index:idx_users_who_share_private_rooms_room"`
}

// TableName provides the explicit table binding for GORM.
func (PrivateShare) TableName() string {
	return "users_who_share_private_rooms"
}

// DirectoryState is the single-row bookkeeping record of the directory.
type DirectoryState struct {
	ID             int       `gorm:"column:id;primaryKey;autoIncrement:false"`
	StreamPosition *int64    `gorm:"column:stream_id"`
	RebuildID      string    `gorm:"column:rebuild_id;size:64;not null;default:''"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (DirectoryState) TableName() string {
	return "user_directory_state"
}

const directoryStateID = 1

// Models lists every table owned by the directory.
func Models() []interface{} {
	return []interface{}{&DirectoryProfile{}, &PublicMembership{}, &PrivateShare{}, &DirectoryState{}}
}

// Config carries the directory toggles. It is passed explicitly and read once per operation.
type Config struct {
	Enabled          bool
	SearchAllUsers   bool
	PreferLocalUsers bool
}

// ProfileInfo is a display name and avatar pair as published by a profile change.
type ProfileInfo struct {
	DisplayName string
	AvatarURL   string
}

// UserResult is one entry of a search response.
type UserResult struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// SearchResult is the ranked, truncated answer to a search.
type SearchResult struct {
	Results []UserResult `json:"results"`
	Limited bool         `json:"limited"`
}

// MembershipChange is a membership transition delivered by the room state feed.
type MembershipChange struct {
	UserID         string
	RoomID         string
	RoomIsPublic   bool
	Membership     string
	DisplayName    string
	AvatarURL      string
	StreamOrdering int64
}
