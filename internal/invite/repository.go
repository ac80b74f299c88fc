package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "token, address, invited_by, expires_at, used_at, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed invite repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create implements Repository.
func (r *PGRepository) Create(ctx context.Context, invitedBy uuid.UUID, address *string, lifetime time.Duration) (*Invite, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate invite token: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO invitations (token, address, invited_by, expires_at)
		 VALUES ($1, $2, $3, now() + make_interval(secs => $4))
		 RETURNING `+selectColumns,
		token, address, invitedBy, lifetime.Seconds(),
	)
	inv, err := scanInvite(row)
	if err != nil {
		return nil, fmt.Errorf("insert invite: %w", err)
	}
	return inv, nil
}

// GetByToken implements Repository.
func (r *PGRepository) GetByToken(ctx context.Context, token string) (*Invite, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM invitations WHERE token = $1", token)
	inv, err := scanInvite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invite by token: %w", err)
	}
	return inv, nil
}

// Consume implements Repository.
func (r *PGRepository) Consume(ctx context.Context, token, address string) (*Invite, error) {
	inv, err := r.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Used() {
		return nil, ErrAlreadyUsed
	}
	if inv.Expired(time.Now()) {
		return nil, ErrExpired
	}
	if inv.Address != nil && *inv.Address != address {
		return nil, ErrAddressMismatch
	}

	row := r.db.QueryRow(ctx,
		`UPDATE invitations SET used_at = now() WHERE token = $1 AND used_at IS NULL
		 RETURNING `+selectColumns,
		token,
	)
	updated, err := scanInvite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlreadyUsed
		}
		return nil, fmt.Errorf("consume invite: %w", err)
	}
	return updated, nil
}

// Delete implements Repository.
func (r *PGRepository) Delete(ctx context.Context, token string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM invitations WHERE token = $1", token)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanInvite(row pgx.Row) (*Invite, error) {
	var inv Invite
	if err := row.Scan(
		&inv.Token, &inv.Address, &inv.InvitedBy, &inv.ExpiresAt, &inv.UsedAt, &inv.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan invite: %w", err)
	}
	return &inv, nil
}
