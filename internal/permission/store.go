package permission

import (
	"context"

	"github.com/google/uuid"
)

// ChannelInfo holds a channel's ID, owner, and kind, used by the resolver's
// owner-implicit grant and by role-scope validation.
type ChannelInfo struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	Kind    string
}

// RolePermEntry pairs a role ID with its permissions bitfield.
type RolePermEntry struct {
	RoleID      uuid.UUID
	Permissions Permission
}

// Store provides read access to permission-related data for both scopes:
// a server-wide role union, and a channel-scope role union plus the
// channel-owner implicit grant.
type Store interface {
	ServerRolePermissions(ctx context.Context, userID uuid.UUID) ([]RolePermEntry, error)
	ChannelInfo(ctx context.Context, channelID uuid.UUID) (ChannelInfo, error)
	ChannelRolePermissions(ctx context.Context, userID, channelID uuid.UUID) ([]RolePermEntry, error)
}
