// Package channel holds the two channel kinds a server hosts: realtime
// (voice/video room) and signal (async encrypted messaging room), matching
// the channels table's kind CHECK constraint.
package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind constants matching the database CHECK constraint.
const (
	KindRealtime = "realtime"
	KindSignal   = "signal"
)

var validKinds = map[string]bool{
	KindRealtime: true,
	KindSignal:   true,
}

// Sentinel errors for the channel package.
var (
	ErrNotFound    = errors.New("channel not found")
	ErrNameLength  = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidKind = errors.New("invalid channel kind")
)

// Channel holds the fields read from the database.
type Channel struct {
	ID            uuid.UUID
	Kind          string
	Private       bool
	OwnerUserID   uuid.UUID
	DefaultRoleID *uuid.UUID
	Name          string
	CreatedAt     time.Time
}

// CreateParams groups the inputs for creating a new channel.
type CreateParams struct {
	Kind        string
	Private     bool
	OwnerUserID uuid.UUID
	Name        string
}

// ValidateName checks that name is between 1 and 100 characters (runes)
// after trimming whitespace, returning the trimmed result.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateKind checks that kind is one of the allowed values.
func ValidateKind(kind string) error {
	if !validKinds[kind] {
		return ErrInvalidKind
	}
	return nil
}

// Repository defines the data-access contract for channel operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Channel, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Channel, error)
	ListByKind(ctx context.Context, kind string) ([]Channel, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
