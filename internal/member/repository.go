package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/postgres"
)

const selectColumns = "channel_id, user_id, permission_level, joined_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Add implements Repository.
func (r *PGRepository) Add(ctx context.Context, channelID, userID uuid.UUID) (*Member, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)
		 RETURNING `+selectColumns,
		channelID, userID,
	)
	m, err := scanMember(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("insert channel member: %w", err)
	}
	return m, nil
}

// Remove implements Repository.
func (r *PGRepository) Remove(ctx context.Context, channelID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2", channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("remove channel member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements Repository.
func (r *PGRepository) Get(ctx context.Context, channelID, userID uuid.UUID) (*Member, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM channel_members WHERE channel_id = $1 AND user_id = $2",
		channelID, userID,
	)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel member: %w", err)
	}
	return m, nil
}

// IsMember implements Repository.
func (r *PGRepository) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)",
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check channel membership: %w", err)
	}
	return exists, nil
}

// ListByChannel implements Repository.
func (r *PGRepository) ListByChannel(ctx context.Context, channelID uuid.UUID) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM channel_members WHERE channel_id = $1 ORDER BY joined_at", channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channel members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel members: %w", err)
	}
	return members, nil
}

// ListChannelIDsForUser implements Repository.
func (r *PGRepository) ListChannelIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		"SELECT channel_id FROM channel_members WHERE user_id = $1", userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query user channel memberships: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user channel memberships: %w", err)
	}
	return ids, nil
}

// SetPermissionLevel implements Repository.
func (r *PGRepository) SetPermissionLevel(ctx context.Context, channelID, userID uuid.UUID, level int) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE channel_members SET permission_level = $1 WHERE channel_id = $2 AND user_id = $3",
		level, channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("set channel member permission level: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	if err := row.Scan(&m.ChannelID, &m.UserID, &m.PermissionLevel, &m.JoinedAt); err != nil {
		return nil, fmt.Errorf("scan channel member: %w", err)
	}
	return &m, nil
}
