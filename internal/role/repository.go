package role

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/permission"
)

const selectColumns = "role_id, name, description, scope, permissions, builtin, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed role repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create implements Repository.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Role, error) {
	name, err := ValidateName(params.Name)
	if err != nil {
		return nil, err
	}
	if err := ValidateScope(params.Scope); err != nil {
		return nil, err
	}
	if err := ValidatePermissions(params.Permissions); err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO roles (role_id, name, description, scope, permissions, builtin)
		 VALUES ($1, $2, $3, $4, $5, false)
		 RETURNING `+selectColumns,
		uuid.New(), name, params.Description, string(params.Scope), int64(params.Permissions),
	)
	role, err := scanRole(row)
	if err != nil {
		return nil, fmt.Errorf("insert role: %w", err)
	}
	return role, nil
}

// GetByID implements Repository.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Role, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM roles WHERE role_id = $1", id)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role by id: %w", err)
	}
	return role, nil
}

// ListByScope implements Repository.
func (r *PGRepository) ListByScope(ctx context.Context, scope permission.Scope) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM roles WHERE scope = $1 ORDER BY created_at", string(scope),
	)
	if err != nil {
		return nil, fmt.Errorf("query roles by scope: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// Update implements Repository. Builtin roles reject every update.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Role, error) {
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Builtin {
		return nil, ErrBuiltinImmutable
	}

	name := existing.Name
	if params.Name != nil {
		name, err = ValidateName(*params.Name)
		if err != nil {
			return nil, err
		}
	}
	description := existing.Description
	if params.Description != nil {
		description = *params.Description
	}
	perms := existing.Permissions
	if params.Permissions != nil {
		if err := ValidatePermissions(*params.Permissions); err != nil {
			return nil, err
		}
		perms = *params.Permissions
	}

	row := r.db.QueryRow(ctx,
		`UPDATE roles SET name = $2, description = $3, permissions = $4
		 WHERE role_id = $1
		 RETURNING `+selectColumns,
		id, name, description, int64(perms),
	)
	role, err := scanRole(row)
	if err != nil {
		return nil, fmt.Errorf("update role: %w", err)
	}
	return role, nil
}

// Delete implements Repository. Builtin roles reject deletion.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.Builtin {
		return ErrBuiltinImmutable
	}
	tag, err := r.db.Exec(ctx, "DELETE FROM roles WHERE role_id = $1", id)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignServer implements Repository.
func (r *PGRepository) AssignServer(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_role_server (user_id, role_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, role_id) DO NOTHING`,
		userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("assign server role: %w", err)
	}
	return nil
}

// UnassignServer implements Repository.
func (r *PGRepository) UnassignServer(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		"DELETE FROM user_role_server WHERE user_id = $1 AND role_id = $2", userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("unassign server role: %w", err)
	}
	return nil
}

// AssignChannel implements Repository. Callers must check ScopeForChannelKind
// against the role's scope before calling (ErrScopeMismatch is the caller's
// responsibility to raise; this method trusts the caller).
func (r *PGRepository) AssignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_role_channel (user_id, role_id, channel_id) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, role_id, channel_id) DO NOTHING`,
		userID, roleID, channelID,
	)
	if err != nil {
		return fmt.Errorf("assign channel role: %w", err)
	}
	return nil
}

// UnassignChannel implements Repository.
func (r *PGRepository) UnassignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		"DELETE FROM user_role_channel WHERE user_id = $1 AND role_id = $2 AND channel_id = $3",
		userID, roleID, channelID,
	)
	if err != nil {
		return fmt.Errorf("unassign channel role: %w", err)
	}
	return nil
}

func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	var scope string
	var perms int64
	if err := row.Scan(
		&role.ID, &role.Name, &role.Description, &scope, &perms, &role.Builtin, &role.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan role: %w", err)
	}
	role.Scope = permission.Scope(scope)
	role.Permissions = permission.Permission(perms)
	return &role, nil
}
