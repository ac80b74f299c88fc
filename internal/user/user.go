// Package user holds the core account record: address identity,
// verification/active flags, profile handles, and the JSONB-backed backup
// code and credential arrays consumed by internal/backupcode and
// internal/credential. Both arrays live as serialized JSON on the user row,
// so every mutation is a read-modify-write inside a single write-serializer
// closure.
package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("address already registered")
)

// User is the core account row.
type User struct {
	ID            uuid.UUID
	Address       string
	AddressLower  string
	Verified      bool
	Active        bool
	DisplayHandle *string
	ShortHandle   *string
	ProfileImage  []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NotificationPrefs is the per-user notification matrix: five authoritative
// on/off switches. A false flag means the corresponding mail is skipped,
// never queued.
type NotificationPrefs struct {
	InviteEmail          bool `json:"invite_email_enabled"`
	UpdateEmail          bool `json:"update_email_enabled"`
	CancelEmail          bool `json:"cancel_email_enabled"`
	SelfInviteEmail      bool `json:"self_invite_email_enabled"`
	RSVPToOrganizerEmail bool `json:"rsvp_to_organizer_email_enabled"`
}

// DefaultNotificationPrefs returns the matrix applied to newly created users.
func DefaultNotificationPrefs() NotificationPrefs {
	return NotificationPrefs{
		InviteEmail:          true,
		UpdateEmail:          true,
		CancelEmail:          true,
		SelfInviteEmail:      false,
		RSVPToOrganizerEmail: true,
	}
}

// ProfileUpdate groups the optional fields for updating a user's profile.
type ProfileUpdate struct {
	DisplayHandle *string
	ShortHandle   *string
	ProfileImage  []byte
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	// EnsureByAddress returns the user for address, creating an
	// unverified row if none exists yet.
	EnsureByAddress(ctx context.Context, address string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByAddress(ctx context.Context, address string) (*User, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*User, error)

	GetBackupCodes(ctx context.Context, id uuid.UUID) ([]byte, error)
	ReplaceBackupCodes(ctx context.Context, id uuid.UUID, raw []byte) error

	GetCredentials(ctx context.Context, id uuid.UUID) ([]byte, error)
	ReplaceCredentials(ctx context.Context, id uuid.UUID, raw []byte) error

	GetNotificationPrefs(ctx context.Context, id uuid.UUID) (NotificationPrefs, error)
	SetNotificationPrefs(ctx context.Context, id uuid.UUID, prefs NotificationPrefs) error
}
