package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "channel_id, kind, private, owner_user_id, default_role_id, name, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed channel repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new channel, validating kind and name first.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Channel, error) {
	if err := ValidateKind(params.Kind); err != nil {
		return nil, err
	}
	name, err := ValidateName(params.Name)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO channels (channel_id, kind, private, owner_user_id, name)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		uuid.New(), params.Kind, params.Private, params.OwnerUserID, name,
	)
	ch, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

// GetByID returns the channel matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Channel, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM channels WHERE channel_id = $1", id)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel by id: %w", err)
	}
	return ch, nil
}

// ListByKind returns every channel of the given kind ordered by creation time.
func (r *PGRepository) ListByKind(ctx context.Context, kind string) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM channels WHERE kind = $1 ORDER BY created_at", kind,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels by kind: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// Delete removes the channel with the given ID.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM channels WHERE channel_id = $1", id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(
		&ch.ID, &ch.Kind, &ch.Private, &ch.OwnerUserID, &ch.DefaultRoleID, &ch.Name, &ch.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return &ch, nil
}
