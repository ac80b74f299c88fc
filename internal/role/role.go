// Package role holds server-scoped and channel-scoped roles: named bundles
// of permission bits assignable to users, matching the roles table and its
// user_role_server/user_role_channel join tables.
package role

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/uncord-chat/signalcore/internal/permission"
)

// Sentinel errors for the role package.
var (
	ErrNotFound           = errors.New("role not found")
	ErrNameLength         = errors.New("role name must be between 1 and 100 characters")
	ErrInvalidScope       = errors.New("invalid role scope")
	ErrInvalidPermissions = errors.New("permissions bitfield contains invalid bits")
	ErrBuiltinImmutable   = errors.New("builtin roles cannot be edited or deleted")
	ErrScopeMismatch      = errors.New("role scope does not match channel kind")
)

// Role holds the fields read from the database.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	Scope       permission.Scope
	Permissions permission.Permission
	Builtin     bool
	CreatedAt   time.Time
}

// CreateParams groups the inputs for creating a new role.
type CreateParams struct {
	Name        string
	Description string
	Scope       permission.Scope
	Permissions permission.Permission
}

// UpdateParams groups the optional fields for updating a role. Builtin roles
// reject every update (ErrBuiltinImmutable).
type UpdateParams struct {
	Name        *string
	Description *string
	Permissions *permission.Permission
}

// ValidateName validates and trims a role name, returning the trimmed result.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateScope checks that scope is one of the three recognized values.
func ValidateScope(scope permission.Scope) error {
	switch scope {
	case permission.ScopeServer, permission.ScopeRealtimeChannel, permission.ScopeSignalChannel:
		return nil
	default:
		return ErrInvalidScope
	}
}

// ValidatePermissions checks that perms contains only bits the core assigns
// meaning to.
func ValidatePermissions(perms permission.Permission) error {
	if perms & ^permission.Permission(permission.AllPermissions) != 0 {
		return ErrInvalidPermissions
	}
	return nil
}

// ScopeForChannelKind maps a channel kind to the role scope that applies
// inside it.
func ScopeForChannelKind(kind string) permission.Scope {
	if kind == "realtime" {
		return permission.ScopeRealtimeChannel
	}
	return permission.ScopeSignalChannel
}

// Repository defines the data-access contract for role operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Role, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Role, error)
	ListByScope(ctx context.Context, scope permission.Scope) ([]Role, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Role, error)
	Delete(ctx context.Context, id uuid.UUID) error

	AssignServer(ctx context.Context, userID, roleID uuid.UUID) error
	UnassignServer(ctx context.Context, userID, roleID uuid.UUID) error
	AssignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error
	UnassignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error
}
