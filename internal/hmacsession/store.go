package hmacsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no HMAC session exists for a client handle.
var ErrNotFound = errors.New("hmac session not found")

const selectColumns = "client_handle, user_id, device_id, secret, device_info, expires_at, last_used, created_at"

// Store is the PostgreSQL-backed HMAC session store.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates an HMAC session store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	if err := row.Scan(
		&s.ClientHandle, &s.UserID, &s.DeviceID, &s.Secret, &s.DeviceInfo,
		&s.ExpiresAt, &s.LastUsed, &s.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// Create mints a new HMAC session for a device, replacing any prior session
// for the same client_handle. secret is generated by the caller (mint
// endpoint) and is never stored anywhere else; this is the only time it
// leaves the server.
func (s *Store) Create(ctx context.Context, clientHandle string, userID uuid.UUID, deviceID int, secret []byte, deviceInfo string, ttl time.Duration) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO hmac_sessions (client_handle, user_id, device_id, secret, device_info, expires_at)
		 VALUES ($1, $2, $3, $4, $5, now() + make_interval(secs => $6))
		 ON CONFLICT (client_handle) DO UPDATE SET
		   user_id = EXCLUDED.user_id, device_id = EXCLUDED.device_id, secret = EXCLUDED.secret,
		   device_info = EXCLUDED.device_info, expires_at = EXCLUDED.expires_at, last_used = now()
		 RETURNING `+selectColumns,
		clientHandle, userID, deviceID, secret, deviceInfo, ttl.Seconds(),
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("create hmac session: %w", err)
	}
	return sess, nil
}

// Get returns the HMAC session for a client handle.
func (s *Store) Get(ctx context.Context, clientHandle string) (*Session, error) {
	row := s.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM hmac_sessions WHERE client_handle = $1", clientHandle)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query hmac session: %w", err)
	}
	return sess, nil
}

// Touch bumps last_used to now.
func (s *Store) Touch(ctx context.Context, clientHandle string) error {
	_, err := s.db.Exec(ctx, "UPDATE hmac_sessions SET last_used = now() WHERE client_handle = $1", clientHandle)
	if err != nil {
		return fmt.Errorf("touch hmac session: %w", err)
	}
	return nil
}

// Extend pushes expires_at forward by ttl from now, backing the
// session/refresh endpoint.
func (s *Store) Extend(ctx context.Context, clientHandle string, ttl time.Duration) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE hmac_sessions SET expires_at = now() + make_interval(secs => $1) WHERE client_handle = $2",
		ttl.Seconds(), clientHandle,
	)
	if err != nil {
		return fmt.Errorf("extend hmac session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a client handle's HMAC session, e.g. on logout.
func (s *Store) Delete(ctx context.Context, clientHandle string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM hmac_sessions WHERE client_handle = $1", clientHandle)
	if err != nil {
		return fmt.Errorf("delete hmac session: %w", err)
	}
	return nil
}
