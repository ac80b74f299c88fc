package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/postgres"
	"github.com/uncord-chat/signalcore/internal/refresh"
	"github.com/uncord-chat/signalcore/internal/writeserializer"
)

const selectColumns = "user_id, device_id, client_handle, last_ip, user_agent, location, identity_pk, registration_id, created_at, last_seen_at"

// Registry is the PostgreSQL-backed DeviceRegistry. Writes that touch device
// id assignment or client_handle reclaim go through a Serializer so two
// concurrent sightings for the same user can never race on max(device_id).
type Registry struct {
	db         *pgxpool.Pool
	refresh    *refresh.Store
	serializer *writeserializer.Serializer
	log        zerolog.Logger
}

// NewRegistry creates a device registry.
func NewRegistry(db *pgxpool.Pool, refreshStore *refresh.Store, serializer *writeserializer.Serializer, logger zerolog.Logger) *Registry {
	return &Registry{
		db:         db,
		refresh:    refreshStore,
		serializer: serializer,
		log:        logger.With().Str("component", "device").Logger(),
	}
}

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	if err := row.Scan(
		&d.UserID, &d.DeviceID, &d.ClientHandle, &d.LastIP, &d.UserAgent, &d.Location,
		&d.IdentityPK, &d.RegistrationID, &d.CreatedAt, &d.LastSeenAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Registry) findByHandleAndUser(ctx context.Context, tx pgx.Tx, clientHandle string, userID uuid.UUID) (*Device, error) {
	row := tx.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM devices WHERE client_handle = $1 AND user_id = $2",
		clientHandle, userID,
	)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query device by handle and user: %w", err)
	}
	return d, nil
}

// ownerOf returns the user_id currently holding client_handle, or
// ErrNotFound if no device carries it.
func (r *Registry) ownerOf(ctx context.Context, tx pgx.Tx, clientHandle string) (uuid.UUID, error) {
	var owner uuid.UUID
	err := tx.QueryRow(ctx, "SELECT user_id FROM devices WHERE client_handle = $1", clientHandle).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query client_handle owner: %w", err)
	}
	return owner, nil
}

// FindOrCreate looks up a device by (client_handle, user_id), creating it
// (assigning the next device_id for the user) if absent. If client_handle is
// already owned by a different user, that device and everything scoped to
// it is destroyed first as a cross-account reclaim.
func (r *Registry) FindOrCreate(ctx context.Context, clientHandle string, userID uuid.UUID, sighting Sighting) (*Device, error) {
	return writeserializer.Submit(ctx, r.serializer, "device.find_or_create", func(ctx context.Context) (*Device, error) {
		var result *Device
		err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
			existing, err := r.findByHandleAndUser(ctx, tx, clientHandle, userID)
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}

			owner, err := r.ownerOf(ctx, tx, clientHandle)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil && owner != userID {
				if _, delErr := tx.Exec(ctx, "DELETE FROM devices WHERE client_handle = $1", clientHandle); delErr != nil {
					return fmt.Errorf("delete reclaimed device: %w", delErr)
				}
				if revokeErr := r.refresh.RevokeChain(ctx, clientHandle); revokeErr != nil {
					r.log.Warn().Err(revokeErr).Str("client_handle", clientHandle).Msg("failed to revoke refresh chain during reclaim")
				}
			}

			var nextID int
			if err := tx.QueryRow(ctx,
				"SELECT COALESCE(MAX(device_id), 0) + 1 FROM devices WHERE user_id = $1", userID,
			).Scan(&nextID); err != nil {
				return fmt.Errorf("compute next device id: %w", err)
			}

			row := tx.QueryRow(ctx,
				`INSERT INTO devices (user_id, device_id, client_handle, last_ip, user_agent, location)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 RETURNING `+selectColumns,
				userID, nextID, clientHandle, sighting.IP, sighting.UserAgent, sighting.Location,
			)
			created, err := scanDevice(row)
			if err != nil {
				return fmt.Errorf("insert device: %w", err)
			}
			result = created
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// Touch refreshes a device's connection metadata on an authenticated
// sighting. Callers resolve Location best-effort beforehand; a GeoLookup
// failure upstream is not fatal to the request and simply leaves Location
// blank or stale here.
func (r *Registry) Touch(ctx context.Context, userID uuid.UUID, deviceID int, sighting Sighting) error {
	_, err := r.db.Exec(ctx,
		`UPDATE devices SET last_ip = $1, user_agent = $2, location = $3, last_seen_at = now()
		 WHERE user_id = $4 AND device_id = $5`,
		sighting.IP, sighting.UserAgent, sighting.Location, userID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// PublishIdentity upserts a device's identity public key and registration id,
// used by the pre-key bundle publication endpoint.
func (r *Registry) PublishIdentity(ctx context.Context, userID uuid.UUID, deviceID int, identityPK []byte, registrationID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE devices SET identity_pk = $1, registration_id = $2 WHERE user_id = $3 AND device_id = $4`,
		identityPK, registrationID, userID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("publish device identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByUser returns all of a user's devices ordered by device_id.
func (r *Registry) ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM devices WHERE user_id = $1 ORDER BY device_id", userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query devices by user: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// Remove destroys a device and everything scoped to it: pre-keys and HMAC
// sessions cascade via foreign key, refresh tokens are revoked explicitly
// since they live in Valkey, not PostgreSQL. Refuses to remove
// currentDeviceID, the device the caller is authenticated from.
func (r *Registry) Remove(ctx context.Context, userID uuid.UUID, deviceID, currentDeviceID int) error {
	if deviceID == currentDeviceID {
		return ErrCurrentDeviceRefused
	}

	var clientHandle string
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			"SELECT client_handle FROM devices WHERE user_id = $1 AND device_id = $2", userID, deviceID,
		).Scan(&clientHandle)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query device client_handle: %w", err)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM devices WHERE user_id = $1 AND device_id = $2", userID, deviceID); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.refresh.RevokeChain(ctx, clientHandle); err != nil {
		r.log.Warn().Err(err).Str("client_handle", clientHandle).Msg("failed to revoke refresh chain on device removal")
	}
	return nil
}
