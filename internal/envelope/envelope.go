// Package envelope implements the fan-out engine and inbox reader (spec
// §4.9): per-device encrypted message storage, group-send recipient
// resolution, and the delete contracts that scope removal by message id,
// device, or receiver.
package envelope

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the envelope package.
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotMember       = errors.New("caller is not a member of this channel")
	ErrNotAuthorized   = errors.New("caller is neither sender nor receiver of this message")
)

// Envelope is a single per-device encrypted message, matching the envelopes
// table.
type Envelope struct {
	ID               int64
	MessageID        uuid.UUID
	SenderUserID     uuid.UUID
	SenderDeviceID   int
	ReceiverUserID   uuid.UUID
	ReceiverDeviceID int
	ChannelID        *uuid.UUID
	Kind             string
	CipherKind       int
	Payload          []byte
	CreatedAt        time.Time
}

// DirectTarget is one recipient device for a direct send.
type DirectTarget struct {
	ReceiverUserID   uuid.UUID
	ReceiverDeviceID int
	CipherKind       int
	Payload          []byte
}

// GroupSend groups the inputs for a channel broadcast.
type GroupSend struct {
	ChannelID      uuid.UUID
	MessageID      uuid.UUID
	SenderUserID   uuid.UUID
	SenderDeviceID int
	CipherKind     int
	Payload        []byte
	Timestamp      *time.Time
}

// DeleteScope groups the optional fields narrowing a delete. The zero value
// (both nil) deletes every envelope carrying MessageID.
type DeleteScope struct {
	ReceiverUserID   *uuid.UUID
	ReceiverDeviceID *int
}

// Notifier hints a recipient device that new envelopes are waiting, as a
// low-latency layer on top of the store-and-forward inbox. It never carries
// envelope content and its failure never fails a send.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, deviceID int)
}

// Store defines the data-access contract for envelope operations.
type Store interface {
	// SendDirect stores one envelope per target, already resolved by the
	// caller, as a single write-serializer submission.
	SendDirect(ctx context.Context, senderUserID uuid.UUID, senderDeviceID int, messageID uuid.UUID, targets []DirectTarget) error

	// SendGroup resolves channel membership and fans out one envelope per
	// device of every recipient except the sender's own device.
	SendGroup(ctx context.Context, send GroupSend) error

	ReadDirect(ctx context.Context, callerUserID uuid.UUID, callerDeviceID int, peerUserID uuid.UUID) ([]Envelope, error)
	ReadChannel(ctx context.Context, callerUserID uuid.UUID, callerDeviceID int, channelID uuid.UUID) ([]Envelope, error)
	ReadAllChannels(ctx context.Context, callerUserID uuid.UUID, callerDeviceID int) ([]Envelope, error)

	// Delete removes envelopes matching messageID narrowed by scope,
	// permitted only when callerUserID is sender or receiver of at least
	// one matching envelope.
	Delete(ctx context.Context, callerUserID uuid.UUID, messageID uuid.UUID, scope DeleteScope) error
}
