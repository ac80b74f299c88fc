package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "name, description, owner_id, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed server-profile repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Get returns the server-profile row.
func (r *PGRepository) Get(ctx context.Context) (*Profile, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM server_config LIMIT 1")
	profile, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query server profile: %w", err)
	}
	return profile, nil
}

// Update applies the non-nil fields in params and returns the updated
// profile. A no-op update returns the current row without touching
// updated_at.
func (r *PGRepository) Update(ctx context.Context, params UpdateParams) (*Profile, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Description != nil {
		setClauses = append(setClauses, "description = @description")
		namedArgs["description"] = *params.Description
	}

	if len(setClauses) == 0 {
		return r.Get(ctx)
	}
	setClauses = append(setClauses, "updated_at = now()")

	query := "UPDATE server_config SET " + strings.Join(setClauses, ", ") +
		" RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	profile, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update server profile: %w", err)
	}
	return profile, nil
}

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.Name, &p.Description, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan server profile: %w", err)
	}
	return &p, nil
}
