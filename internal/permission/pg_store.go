package permission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// ServerRolePermissions returns the permission bitfield for every server-scope
// role the user holds.
func (s *PGStore) ServerRolePermissions(ctx context.Context, userID uuid.UUID) ([]RolePermEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.role_id, r.permissions
		FROM roles r
		JOIN user_role_server urs ON urs.role_id = r.role_id
		WHERE urs.user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query server role permissions: %w", err)
	}
	defer rows.Close()

	var entries []RolePermEntry
	for rows.Next() {
		var e RolePermEntry
		var perms int64
		if err := rows.Scan(&e.RoleID, &perms); err != nil {
			return nil, fmt.Errorf("scan server role permission: %w", err)
		}
		e.Permissions = Permission(perms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ChannelInfo returns the channel's ID, owner, and kind.
func (s *PGStore) ChannelInfo(ctx context.Context, channelID uuid.UUID) (ChannelInfo, error) {
	var info ChannelInfo
	err := s.db.QueryRow(ctx,
		"SELECT channel_id, owner_user_id, kind FROM channels WHERE channel_id = $1",
		channelID,
	).Scan(&info.ID, &info.OwnerID, &info.Kind)
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("query channel info: %w", err)
	}
	return info, nil
}

// ChannelRolePermissions returns the permission bitfield for every
// channel-scope role the user holds in the given channel.
func (s *PGStore) ChannelRolePermissions(ctx context.Context, userID, channelID uuid.UUID) ([]RolePermEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.role_id, r.permissions
		FROM roles r
		JOIN user_role_channel urc ON urc.role_id = r.role_id
		WHERE urc.user_id = $1 AND urc.channel_id = $2
	`, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("query channel role permissions: %w", err)
	}
	defer rows.Close()

	var entries []RolePermEntry
	for rows.Next() {
		var e RolePermEntry
		var perms int64
		if err := rows.Scan(&e.RoleID, &perms); err != nil {
			return nil, fmt.Errorf("scan channel role permission: %w", err)
		}
		e.Permissions = Permission(perms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
