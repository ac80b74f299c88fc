// Package device implements the DeviceRegistry: per-user device
// bookkeeping, monotonic device id assignment, and cross-account
// client_handle reclaim.
package device

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no device matches the given lookup.
var ErrNotFound = errors.New("device not found")

// ErrCurrentDeviceRefused is returned when a removal targets the device the
// caller is currently authenticated from.
var ErrCurrentDeviceRefused = errors.New("cannot remove the current device")

// Device is a single registered client of a user, identified by the pair
// (UserID, DeviceID). DeviceID is a per-user positive integer assigned as
// max(existing device_id for user)+1.
type Device struct {
	UserID         uuid.UUID
	DeviceID       int
	ClientHandle   string
	LastIP         string
	UserAgent      string
	Location       string
	IdentityPK     []byte
	RegistrationID int64
	CreatedAt      time.Time
	LastSeenAt     time.Time
}

// Sighting carries the best-effort connection metadata refreshed on every
// authenticated request from a device.
type Sighting struct {
	IP        string
	UserAgent string
	Location  string
}
