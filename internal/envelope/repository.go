package envelope

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/channel"
	"github.com/uncord-chat/signalcore/internal/device"
	"github.com/uncord-chat/signalcore/internal/member"
	"github.com/uncord-chat/signalcore/internal/postgres"
	"github.com/uncord-chat/signalcore/internal/writeserializer"
)

const selectColumns = `id, message_id, sender_user_id, sender_device_id,
	receiver_user_id, receiver_device_id, channel_id, kind, cipher_kind, payload, created_at`

// Kind tags distinguish direct from channel envelopes.
const (
	KindDirect  = "direct"
	KindChannel = "channel"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db         *pgxpool.Pool
	serializer *writeserializer.Serializer
	channels   channel.Repository
	members    member.Repository
	devices    *device.Registry
	notifier   Notifier
	log        zerolog.Logger
}

// NewPGStore creates a PostgreSQL-backed envelope store. notifier may be nil,
// in which case sends are store-and-forward only.
func NewPGStore(db *pgxpool.Pool, serializer *writeserializer.Serializer, channels channel.Repository, members member.Repository, devices *device.Registry, notifier Notifier, logger zerolog.Logger) *PGStore {
	return &PGStore{db: db, serializer: serializer, channels: channels, members: members, devices: devices, notifier: notifier, log: logger}
}

func (s *PGStore) notify(ctx context.Context, userID uuid.UUID, deviceID int) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, deviceID)
}

// SendDirect implements Store.
func (s *PGStore) SendDirect(ctx context.Context, senderUserID uuid.UUID, senderDeviceID int, messageID uuid.UUID, targets []DirectTarget) error {
	_, err := writeserializer.Submit(ctx, s.serializer, "envelope.send_direct", func(ctx context.Context) (struct{}, error) {
		err := postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
			for _, t := range targets {
				if _, err := tx.Exec(ctx,
					`INSERT INTO envelopes (message_id, sender_user_id, sender_device_id,
						receiver_user_id, receiver_device_id, channel_id, kind, cipher_kind, payload)
					 VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $8)`,
					messageID, senderUserID, senderDeviceID,
					t.ReceiverUserID, t.ReceiverDeviceID, KindDirect, t.CipherKind, t.Payload,
				); err != nil {
					return fmt.Errorf("insert direct envelope: %w", err)
				}
			}
			return nil
		})
		return struct{}{}, err
	})
	if err == nil {
		for _, t := range targets {
			s.notify(ctx, t.ReceiverUserID, t.ReceiverDeviceID)
		}
	}
	return err
}

// SendGroup implements Store.
func (s *PGStore) SendGroup(ctx context.Context, send GroupSend) error {
	ch, err := s.channels.GetByID(ctx, send.ChannelID)
	if err != nil {
		if err == channel.ErrNotFound {
			return ErrChannelNotFound
		}
		return err
	}

	isMember, err := s.members.IsMember(ctx, send.ChannelID, send.SenderUserID)
	if err != nil {
		return err
	}
	if !isMember && ch.OwnerUserID != send.SenderUserID {
		return ErrNotMember
	}

	recipients := map[uuid.UUID]struct{}{ch.OwnerUserID: {}}
	members, err := s.members.ListByChannel(ctx, send.ChannelID)
	if err != nil {
		return err
	}
	for _, m := range members {
		recipients[m.UserID] = struct{}{}
	}

	type target struct {
		userID   uuid.UUID
		deviceID int
	}
	var targets []target
	for userID := range recipients {
		devices, err := s.devices.ListByUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.UserID == send.SenderUserID && d.DeviceID == send.SenderDeviceID {
				continue
			}
			targets = append(targets, target{userID: d.UserID, deviceID: d.DeviceID})
		}
	}

	_, err = writeserializer.Submit(ctx, s.serializer, "envelope.send_group", func(ctx context.Context) (struct{}, error) {
		err := postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
			for _, t := range targets {
				if _, err := tx.Exec(ctx,
					`INSERT INTO envelopes (message_id, sender_user_id, sender_device_id,
						receiver_user_id, receiver_device_id, channel_id, kind, cipher_kind, payload)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
					send.MessageID, send.SenderUserID, send.SenderDeviceID,
					t.userID, t.deviceID, send.ChannelID, KindChannel, send.CipherKind, send.Payload,
				); err != nil {
					return fmt.Errorf("insert group envelope: %w", err)
				}
			}
			return nil
		})
		return struct{}{}, err
	})
	if err == nil {
		for _, t := range targets {
			s.notify(ctx, t.userID, t.deviceID)
		}
	}
	return err
}

// ReadDirect implements Store.
func (s *PGStore) ReadDirect(ctx context.Context, callerUserID uuid.UUID, callerDeviceID int, peerUserID uuid.UUID) ([]Envelope, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM envelopes
		 WHERE receiver_user_id = $1 AND receiver_device_id = $2 AND channel_id IS NULL
		   AND sender_user_id IN ($3, $1)
		 ORDER BY id`,
		callerUserID, callerDeviceID, peerUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("query direct envelopes: %w", err)
	}
	return scanEnvelopes(rows)
}

// ReadChannel implements Store.
func (s *PGStore) ReadChannel(ctx context.Context, callerUserID uuid.UUID, callerDeviceID int, channelID uuid.UUID) ([]Envelope, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM envelopes
		 WHERE receiver_user_id = $1 AND receiver_device_id = $2 AND channel_id = $3
		 ORDER BY id`,
		callerUserID, callerDeviceID, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channel envelopes: %w", err)
	}
	return scanEnvelopes(rows)
}

// ReadAllChannels implements Store.
func (s *PGStore) ReadAllChannels(ctx context.Context, callerUserID uuid.UUID, callerDeviceID int) ([]Envelope, error) {
	channelIDs, err := s.members.ListChannelIDsForUser(ctx, callerUserID)
	if err != nil {
		return nil, err
	}
	if len(channelIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM envelopes
		 WHERE receiver_user_id = $1 AND receiver_device_id = $2 AND channel_id = ANY($3)
		 ORDER BY id`,
		callerUserID, callerDeviceID, channelIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query all-channel envelopes: %w", err)
	}
	return scanEnvelopes(rows)
}

// Delete implements Store.
func (s *PGStore) Delete(ctx context.Context, callerUserID uuid.UUID, messageID uuid.UUID, scope DeleteScope) error {
	var authorized bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM envelopes WHERE message_id = $1 AND (sender_user_id = $2 OR receiver_user_id = $2))`,
		messageID, callerUserID,
	).Scan(&authorized)
	if err != nil {
		return fmt.Errorf("check envelope delete authorization: %w", err)
	}
	if !authorized {
		return ErrNotAuthorized
	}

	_, err = writeserializer.Submit(ctx, s.serializer, "envelope.delete", func(ctx context.Context) (struct{}, error) {
		var execErr error
		switch {
		case scope.ReceiverUserID != nil && scope.ReceiverDeviceID != nil:
			_, execErr = s.db.Exec(ctx,
				`DELETE FROM envelopes WHERE message_id = $1 AND receiver_user_id = $2 AND receiver_device_id = $3`,
				messageID, *scope.ReceiverUserID, *scope.ReceiverDeviceID,
			)
		case scope.ReceiverDeviceID != nil:
			_, execErr = s.db.Exec(ctx,
				`DELETE FROM envelopes WHERE message_id = $1 AND receiver_device_id = $2`,
				messageID, *scope.ReceiverDeviceID,
			)
		case scope.ReceiverUserID != nil:
			_, execErr = s.db.Exec(ctx,
				`DELETE FROM envelopes WHERE message_id = $1 AND receiver_user_id = $2`,
				messageID, *scope.ReceiverUserID,
			)
		default:
			_, execErr = s.db.Exec(ctx, `DELETE FROM envelopes WHERE message_id = $1`, messageID)
		}
		if execErr != nil {
			execErr = fmt.Errorf("delete envelopes: %w", execErr)
		}
		return struct{}{}, execErr
	})
	return err
}

func scanEnvelopes(rows pgx.Rows) ([]Envelope, error) {
	defer rows.Close()
	var envelopes []Envelope
	for rows.Next() {
		var e Envelope
		if err := rows.Scan(
			&e.ID, &e.MessageID, &e.SenderUserID, &e.SenderDeviceID,
			&e.ReceiverUserID, &e.ReceiverDeviceID, &e.ChannelID, &e.Kind, &e.CipherKind, &e.Payload, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		envelopes = append(envelopes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return envelopes, nil
}
