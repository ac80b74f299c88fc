// Package invite gates invite-only enrollment: a token optionally bound to
// one address, good for one use before its expiry, matching the invitations
// table.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the invite package.
var (
	ErrNotFound        = errors.New("invite not found")
	ErrExpired         = errors.New("invite has expired")
	ErrAlreadyUsed     = errors.New("invite has already been used")
	ErrAddressMismatch = errors.New("invite is bound to a different address")
)

// DefaultLifetime is how long a freshly minted invite remains usable.
const DefaultLifetime = 7 * 24 * time.Hour

// Invite holds the fields read from the invitations table.
type Invite struct {
	Token     string
	Address   *string
	InvitedBy uuid.UUID
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Expired reports whether the invite is past its expiry.
func (i *Invite) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// Used reports whether the invite has already been consumed.
func (i *Invite) Used() bool {
	return i.UsedAt != nil
}

// Repository defines the data-access contract for invite operations.
type Repository interface {
	Create(ctx context.Context, invitedBy uuid.UUID, address *string, lifetime time.Duration) (*Invite, error)
	GetByToken(ctx context.Context, token string) (*Invite, error)
	// Consume marks the invite used if it is still valid for address (or
	// address is "" and the invite is unbound). Returns ErrExpired or
	// ErrAlreadyUsed or ErrAddressMismatch as appropriate.
	Consume(ctx context.Context, token, address string) (*Invite, error)
	Delete(ctx context.Context, token string) error
}

// GenerateToken returns a random URL-safe token suitable as an invitations
// primary key.
func GenerateToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}
