// Package member tracks channel membership: which users belong to which
// channel, and their per-channel permission level, matching the
// channel_members join table. There is no nickname, status, or timeout
// state here — those belonged to the presence model this server does not
// implement.
package member

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the member package.
var (
	ErrNotFound      = errors.New("membership not found")
	ErrAlreadyMember = errors.New("user is already a member of this channel")
)

// Member is a single channel_members row.
type Member struct {
	ChannelID       uuid.UUID
	UserID          uuid.UUID
	PermissionLevel int
	JoinedAt        time.Time
}

// Repository defines the data-access contract for channel membership.
type Repository interface {
	// Add inserts a membership row. Returns ErrAlreadyMember on conflict.
	Add(ctx context.Context, channelID, userID uuid.UUID) (*Member, error)
	Remove(ctx context.Context, channelID, userID uuid.UUID) error
	Get(ctx context.Context, channelID, userID uuid.UUID) (*Member, error)
	IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)

	// ListByChannel returns every member of a channel, used to enumerate
	// send_group recipients.
	ListByChannel(ctx context.Context, channelID uuid.UUID) ([]Member, error)
	ListChannelIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	SetPermissionLevel(ctx context.Context, channelID, userID uuid.UUID, level int) error
}
