package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/postgres"
	"github.com/uncord-chat/signalcore/internal/writeserializer"
)

const selectColumns = `user_id, address, address_lower, verified, active, display_handle,
	short_handle, profile_image, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(
		&u.ID, &u.Address, &u.AddressLower, &u.Verified, &u.Active, &u.DisplayHandle,
		&u.ShortHandle, &u.ProfileImage, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db         *pgxpool.Pool
	serializer *writeserializer.Serializer
	log        zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository. Account
// creation goes through the write serializer since it is a find-or-insert.
func NewPGRepository(db *pgxpool.Pool, serializer *writeserializer.Serializer, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, serializer: serializer, log: logger}
}

// EnsureByAddress implements Repository.
func (r *PGRepository) EnsureByAddress(ctx context.Context, address string) (*User, error) {
	return writeserializer.Submit(ctx, r.serializer, "user.ensure_by_address", func(ctx context.Context) (*User, error) {
		var result *User
		err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
			lower := strings.ToLower(address)
			row := tx.QueryRow(ctx, "SELECT "+selectColumns+" FROM users WHERE address_lower = $1", lower)
			u, err := scanUser(row)
			if err == nil {
				result = u
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lookup user by address: %w", err)
			}

			prefs, err := json.Marshal(DefaultNotificationPrefs())
			if err != nil {
				return fmt.Errorf("marshal default notification prefs: %w", err)
			}

			insertRow := tx.QueryRow(ctx,
				`INSERT INTO users (user_id, address, address_lower, verified, active, backup_codes, credentials, notif_prefs)
				 VALUES ($1, $2, $3, false, true, '[]'::jsonb, '[]'::jsonb, $4)
				 RETURNING `+selectColumns,
				uuid.New(), address, lower, prefs,
			)
			u, err = scanUser(insertRow)
			if err != nil {
				return fmt.Errorf("insert user: %w", err)
			}
			result = u
			return nil
		})
		return result, err
	})
}

// GetByID implements Repository.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM users WHERE user_id = $1", id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByAddress implements Repository.
func (r *PGRepository) GetByAddress(ctx context.Context, address string) (*User, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM users WHERE address_lower = $1", strings.ToLower(address))
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by address: %w", err)
	}
	return u, nil
}

// MarkVerified implements Repository.
func (r *PGRepository) MarkVerified(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET verified = true, updated_at = now() WHERE user_id = $1", id)
	if err != nil {
		return fmt.Errorf("mark user verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive implements Repository.
func (r *PGRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET active = $1, updated_at = now() WHERE user_id = $2", active, id)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IsActive implements Repository, and satisfies internal/hmacsession's
// UserChecker interface.
func (r *PGRepository) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, "SELECT active FROM users WHERE user_id = $1", id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("query user active: %w", err)
	}
	return active, nil
}

// UpdateProfile implements Repository.
func (r *PGRepository) UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*User, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE users SET
		   display_handle = COALESCE($2, display_handle),
		   short_handle = COALESCE($3, short_handle),
		   profile_image = COALESCE($4, profile_image),
		   updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+selectColumns,
		id, update.DisplayHandle, update.ShortHandle, update.ProfileImage,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user profile: %w", err)
	}
	return u, nil
}

// GetBackupCodes implements Repository, returning the raw JSONB array for
// internal/backupcode to unmarshal.
func (r *PGRepository) GetBackupCodes(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, "SELECT backup_codes FROM users WHERE user_id = $1", id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query backup codes: %w", err)
	}
	return raw, nil
}

// ReplaceBackupCodes implements Repository.
func (r *PGRepository) ReplaceBackupCodes(ctx context.Context, id uuid.UUID, raw []byte) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET backup_codes = $1, updated_at = now() WHERE user_id = $2", raw, id)
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCredentials implements Repository.
func (r *PGRepository) GetCredentials(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, "SELECT credentials FROM users WHERE user_id = $1", id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	return raw, nil
}

// ReplaceCredentials implements Repository.
func (r *PGRepository) ReplaceCredentials(ctx context.Context, id uuid.UUID, raw []byte) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET credentials = $1, updated_at = now() WHERE user_id = $2", raw, id)
	if err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetNotificationPrefs implements Repository.
func (r *PGRepository) GetNotificationPrefs(ctx context.Context, id uuid.UUID) (NotificationPrefs, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, "SELECT notif_prefs FROM users WHERE user_id = $1", id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NotificationPrefs{}, ErrNotFound
		}
		return NotificationPrefs{}, fmt.Errorf("query notification prefs: %w", err)
	}
	var prefs NotificationPrefs
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return NotificationPrefs{}, fmt.Errorf("unmarshal notification prefs: %w", err)
	}
	return prefs, nil
}

// SetNotificationPrefs implements Repository.
func (r *PGRepository) SetNotificationPrefs(ctx context.Context, id uuid.UUID, prefs NotificationPrefs) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal notification prefs: %w", err)
	}
	tag, execErr := r.db.Exec(ctx, "UPDATE users SET notif_prefs = $1, updated_at = now() WHERE user_id = $2", raw, id)
	if execErr != nil {
		return fmt.Errorf("set notification prefs: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
