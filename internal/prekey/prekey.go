// Package prekey stores per-device key material: publishing a device's
// identity key, signed pre-key, and one-time pre-key pool, and assembling
// pre-key bundles for session establishment. Every write goes through
// internal/writeserializer so each operation is atomic with respect to the
// rest of the write stream.
package prekey

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/postgres"
	"github.com/uncord-chat/signalcore/internal/writeserializer"
)

// ErrDeviceNotFound is returned when publishing to an unknown device.
var ErrDeviceNotFound = errors.New("device not found")

// bulkDeadline is the soft deadline on a bulk one-time pre-key publish.
// A batch that outlives it is acknowledged as accepted while the write
// continues in the background.
const bulkDeadline = 5 * time.Second

// SignedPreKey is a single signed pre-key record.
type SignedPreKey struct {
	KeyID     int64
	PublicKey []byte
	Signature []byte
	CreatedAt time.Time
}

// OneTimePreKey is a single one-time pre-key record.
type OneTimePreKey struct {
	PreKeyID  int64
	Blob      []byte
	CreatedAt time.Time
}

// DeviceBundle is returned by FetchBundle for one recipient device.
type DeviceBundle struct {
	DeviceID        int
	IdentityPK      []byte
	RegistrationID  int64
	NewestSignedKey *SignedPreKey
	OneTimePreKey   *OneTimePreKey // nil if the device's pool is empty
}

// MinimalStatus is returned by Status for client-side invariant checks.
type MinimalStatus struct {
	IdentityPK         []byte
	NewestSignedKeyID  *int64
	OneTimePreKeyCount int
}

// ClientState is the client's claimed state, compared by ValidateAndSync.
type ClientState struct {
	IdentityPK       []byte
	SignedPreKeyID   int64
	OneTimePreKeyIDs []int64
}

// SyncDiff describes what the server has that the client's claimed state is
// missing. A zero-value SyncDiff (all fields false/empty) means in sync.
type SyncDiff struct {
	IdentityMismatch    bool
	SignedPreKeyMissing bool
	ConsumedOneTimeIDs  []int64
}

// InSync reports whether the diff represents a fully synced client.
func (d SyncDiff) InSync() bool {
	return !d.IdentityMismatch && !d.SignedPreKeyMissing && len(d.ConsumedOneTimeIDs) == 0
}

// Store implements PreKeyStore against PostgreSQL.
type Store struct {
	db         *pgxpool.Pool
	serializer *writeserializer.Serializer
	log        zerolog.Logger
}

// NewStore creates a pre-key store.
func NewStore(db *pgxpool.Pool, serializer *writeserializer.Serializer, logger zerolog.Logger) *Store {
	return &Store{db: db, serializer: serializer, log: logger}
}

// PublishIdentity upserts a device's identity key and registration id.
func (s *Store) PublishIdentity(ctx context.Context, userID uuid.UUID, deviceID int, identityPK []byte, registrationID int64) error {
	_, err := writeserializer.Submit(ctx, s.serializer, "prekey.publish_identity", func(ctx context.Context) (struct{}, error) {
		tag, err := s.db.Exec(ctx,
			"UPDATE devices SET identity_pk = $1, registration_id = $2 WHERE user_id = $3 AND device_id = $4",
			identityPK, registrationID, userID, deviceID,
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("publish identity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, ErrDeviceNotFound
		}
		return struct{}{}, nil
	})
	return err
}

// PublishSignedPreKey appends a new signed pre-key for a device.
func (s *Store) PublishSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int, keyID int64, publicKey, signature []byte) error {
	_, err := writeserializer.Submit(ctx, s.serializer, "prekey.publish_signed", func(ctx context.Context) (struct{}, error) {
		_, err := s.db.Exec(ctx,
			`INSERT INTO signed_prekeys (user_id, device_id, key_id, public_key, signature)
			 VALUES ($1, $2, $3, $4, $5)`,
			userID, deviceID, keyID, publicKey, signature,
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("publish signed prekey: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// PublishPreKeysBulk upserts a batch of one-time pre-keys. If the batch
// takes longer than bulkDeadline, it returns (true, nil) meaning Accepted:
// the closure was already enqueued (so ordering is preserved) and continues
// running in the background after the deadline fires.
func (s *Store) PublishPreKeysBulk(ctx context.Context, userID uuid.UUID, deviceID int, keys []OneTimePreKey) (accepted bool, err error) {
	done := make(chan error, 1)
	go func() {
		_, submitErr := writeserializer.Submit(context.Background(), s.serializer, "prekey.publish_bulk", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.upsertBulk(ctx, userID, deviceID, keys)
		})
		done <- submitErr
	}()

	select {
	case err := <-done:
		return false, err
	case <-time.After(bulkDeadline):
		go func() {
			if err := <-done; err != nil {
				s.log.Warn().Err(err).Str("user_id", userID.String()).Int("device_id", deviceID).
					Msg("background prekey bulk publish failed after soft deadline")
			}
		}()
		return true, nil
	}
}

func (s *Store) upsertBulk(ctx context.Context, userID uuid.UUID, deviceID int, keys []OneTimePreKey) error {
	return postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		for _, k := range keys {
			_, err := tx.Exec(ctx,
				`INSERT INTO one_time_prekeys (user_id, device_id, prekey_id, blob)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (user_id, device_id, prekey_id) DO UPDATE SET blob = EXCLUDED.blob`,
				userID, deviceID, k.PreKeyID, k.Blob,
			)
			if err != nil {
				return fmt.Errorf("upsert one-time prekey %d: %w", k.PreKeyID, err)
			}
		}
		return nil
	})
}

// FetchBundle gathers bundles for every device of targetUserID and of
// requesterUserID (so the caller can fan out to its own other devices),
// destroying the selected one-time pre-key for each before returning.
func (s *Store) FetchBundle(ctx context.Context, targetUserID, requesterUserID uuid.UUID) ([]DeviceBundle, error) {
	return writeserializer.Submit(ctx, s.serializer, "prekey.fetch_bundle", func(ctx context.Context) ([]DeviceBundle, error) {
		var bundles []DeviceBundle
		err := postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
			userIDs := []uuid.UUID{targetUserID}
			if requesterUserID != targetUserID {
				userIDs = append(userIDs, requesterUserID)
			}
			for _, uid := range userIDs {
				deviceBundles, err := bundlesForUser(ctx, tx, uid)
				if err != nil {
					return err
				}
				bundles = append(bundles, deviceBundles...)
			}
			return nil
		})
		return bundles, err
	})
}

func bundlesForUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) ([]DeviceBundle, error) {
	rows, err := tx.Query(ctx,
		"SELECT device_id, identity_pk, registration_id FROM devices WHERE user_id = $1 ORDER BY device_id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices for bundle: %w", err)
	}
	defer rows.Close()

	var deviceIDs []int
	bundlesByDevice := make(map[int]*DeviceBundle)
	for rows.Next() {
		var b DeviceBundle
		var registrationID *int64
		if err := rows.Scan(&b.DeviceID, &b.IdentityPK, &registrationID); err != nil {
			return nil, fmt.Errorf("scan device for bundle: %w", err)
		}
		if registrationID != nil {
			b.RegistrationID = *registrationID
		}
		deviceIDs = append(deviceIDs, b.DeviceID)
		bundlesByDevice[b.DeviceID] = &b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices for bundle: %w", err)
	}

	var result []DeviceBundle
	for _, deviceID := range deviceIDs {
		b := bundlesByDevice[deviceID]

		signed, err := newestSignedPreKey(ctx, tx, userID, deviceID)
		if err != nil {
			return nil, err
		}
		b.NewestSignedKey = signed

		one, err := consumeOneOneTimePreKey(ctx, tx, userID, deviceID)
		if err != nil {
			return nil, err
		}
		b.OneTimePreKey = one

		result = append(result, *b)
	}
	return result, nil
}

func newestSignedPreKey(ctx context.Context, tx pgx.Tx, userID uuid.UUID, deviceID int) (*SignedPreKey, error) {
	var k SignedPreKey
	err := tx.QueryRow(ctx,
		`SELECT key_id, public_key, signature, created_at FROM signed_prekeys
		 WHERE user_id = $1 AND device_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		userID, deviceID,
	).Scan(&k.KeyID, &k.PublicKey, &k.Signature, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query newest signed prekey: %w", err)
	}
	return &k, nil
}

// consumeOneOneTimePreKey picks a uniformly random one-time pre-key from
// the device's pool and deletes it before returning, so a key handed out
// once is never handed out again. Selection uses math/rand/v2, not
// crypto/rand: uniform over the pool, with no unpredictability claim, since
// a key's identity carries no secrecy requirement beyond single-use.
func consumeOneOneTimePreKey(ctx context.Context, tx pgx.Tx, userID uuid.UUID, deviceID int) (*OneTimePreKey, error) {
	rows, err := tx.Query(ctx,
		"SELECT prekey_id, blob, created_at FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2",
		userID, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list one-time prekeys: %w", err)
	}
	var candidates []OneTimePreKey
	for rows.Next() {
		var k OneTimePreKey
		if err := rows.Scan(&k.PreKeyID, &k.Blob, &k.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan one-time prekey: %w", err)
		}
		candidates = append(candidates, k)
	}
	rowErr := rows.Err()
	rows.Close()
	if rowErr != nil {
		return nil, fmt.Errorf("iterate one-time prekeys: %w", rowErr)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen := candidates[rand.IntN(len(candidates))]
	if _, err := tx.Exec(ctx,
		"DELETE FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2 AND prekey_id = $3",
		userID, deviceID, chosen.PreKeyID,
	); err != nil {
		return nil, fmt.Errorf("consume one-time prekey: %w", err)
	}
	return &chosen, nil
}

// Status returns the minimal status view for client-side invariant checks.
func (s *Store) Status(ctx context.Context, userID uuid.UUID, deviceID int) (MinimalStatus, error) {
	var status MinimalStatus
	var identityPK []byte
	err := s.db.QueryRow(ctx, "SELECT identity_pk FROM devices WHERE user_id = $1 AND device_id = $2", userID, deviceID).Scan(&identityPK)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return status, ErrDeviceNotFound
		}
		return status, fmt.Errorf("query device identity: %w", err)
	}
	status.IdentityPK = identityPK

	var newestID *int64
	err = s.db.QueryRow(ctx,
		"SELECT key_id FROM signed_prekeys WHERE user_id = $1 AND device_id = $2 ORDER BY created_at DESC LIMIT 1",
		userID, deviceID,
	).Scan(&newestID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return status, fmt.Errorf("query newest signed prekey id: %w", err)
	}
	status.NewestSignedKeyID = newestID

	var count int
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2", userID, deviceID).Scan(&count); err != nil {
		return status, fmt.Errorf("count one-time prekeys: %w", err)
	}
	status.OneTimePreKeyCount = count

	return status, nil
}

// ValidateAndSync compares the client's claimed state against the server's
// and returns a read-only diff; it never mutates server state.
func (s *Store) ValidateAndSync(ctx context.Context, userID uuid.UUID, deviceID int, client ClientState) (SyncDiff, error) {
	var diff SyncDiff

	var identityPK []byte
	err := s.db.QueryRow(ctx, "SELECT identity_pk FROM devices WHERE user_id = $1 AND device_id = $2", userID, deviceID).Scan(&identityPK)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return diff, ErrDeviceNotFound
		}
		return diff, fmt.Errorf("query device identity: %w", err)
	}
	if string(identityPK) != string(client.IdentityPK) {
		diff.IdentityMismatch = true
	}

	var signedExists bool
	err = s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM signed_prekeys WHERE user_id = $1 AND device_id = $2 AND key_id = $3)",
		userID, deviceID, client.SignedPreKeyID,
	).Scan(&signedExists)
	if err != nil {
		return diff, fmt.Errorf("check signed prekey: %w", err)
	}
	diff.SignedPreKeyMissing = !signedExists

	for _, id := range client.OneTimePreKeyIDs {
		var exists bool
		if err := s.db.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2 AND prekey_id = $3)",
			userID, deviceID, id,
		).Scan(&exists); err != nil {
			return diff, fmt.Errorf("check one-time prekey %d: %w", id, err)
		}
		if !exists {
			diff.ConsumedOneTimeIDs = append(diff.ConsumedOneTimeIDs, id)
		}
	}

	return diff, nil
}
