package core

import "strings"

// Role decides which moderation actions an identity may take.
type Role int

const (
	RoleMember Role = iota
	RoleModerator
)

func (r Role) String() string {
	if r == RoleModerator {
		return "moderator"
	}
	return "member"
}

// ModeratorChannel carries subscription requests to every moderator.
const ModeratorChannel = "moderator_channel"

const privateChannelPrefix = "user_"

// Identity is a resolved user. It does not change for the lifetime of a
// connection.
type Identity struct {
	ID   int64
	Name string
	Role Role
}

// IsModerator reports whether the identity may approve or deny requests.
func (i Identity) IsModerator() bool {
	return i.Role == RoleModerator
}

// PrivateChannel returns the per-identity notice channel for name.
func PrivateChannel(name string) string {
	return privateChannelPrefix + name
}

// reservedChannel reports whether channel is implicit membership that can be
// neither requested nor left.
func reservedChannel(channel string) bool {
	return channel == ModeratorChannel || strings.HasPrefix(channel, privateChannelPrefix)
}
