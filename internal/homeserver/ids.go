package homeserver

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 255

var (
	// ErrInvalidUserID indicates a user id that is not of the form @localpart:server.
	ErrInvalidUserID = errors.New("homeserver: invalid user id")
	// ErrInvalidRoomID indicates a room id that is not of the form !opaque:server.
	ErrInvalidRoomID = errors.New("homeserver: invalid room id")
)

// ParseUserID splits a user id into its localpart and server name.
func ParseUserID(rawInput string) (string, string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxIdentifierLength {
		return "", "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	if !strings.HasPrefix(trimmed, "@") {
		return "", "", fmt.Errorf("%w: %q missing sigil", ErrInvalidUserID, rawInput)
	}
	localpart, server, found := strings.Cut(trimmed[1:], ":")
	if !found || localpart == "" || server == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidUserID, rawInput)
	}
	return localpart, server, nil
}

// ValidateRoomID checks the room id shape.
func ValidateRoomID(rawInput string) error {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	if !strings.HasPrefix(trimmed, "!") || !strings.Contains(trimmed, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, rawInput)
	}
	return nil
}

// Localpart returns the localpart of a user id, or the raw input when it cannot be parsed.
func Localpart(userID string) string {
	localpart, _, err := ParseUserID(userID)
	if err != nil {
		return userID
	}
	return localpart
}
