package permission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Resolver computes effective permissions for a user, either server-wide or
// scoped to one channel.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger}
}

// Resolve returns the effective permissions for a user in a channel, using the cache when available.
func (r *Resolver) Resolve(ctx context.Context, userID, channelID uuid.UUID) (Permission, error) {
	perm, ok, err := r.cache.Get(ctx, userID, channelID)
	if err != nil {
		r.log.Warn().Err(err).Msg("permission cache get failed, falling through to compute")
	}
	if ok {
		return perm, nil
	}

	perm, err = r.compute(ctx, userID, channelID)
	if err != nil {
		return 0, err
	}

	if cacheErr := r.cache.Set(ctx, userID, channelID, perm); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("permission cache set failed")
	}

	return perm, nil
}

// HasPermission checks whether a user has a specific permission in a channel.
func (r *Resolver) HasPermission(ctx context.Context, userID, channelID uuid.UUID, perm Permission) (bool, error) {
	effective, err := r.Resolve(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

// ResolveServer returns the effective server-level permissions for a user: the
// union of every server role the user holds. A held ServerManage permission
// widens to every permission the core understands.
func (r *Resolver) ResolveServer(ctx context.Context, userID uuid.UUID) (Permission, error) {
	roleEntries, err := r.store.ServerRolePermissions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get server role permissions: %w", err)
	}

	var base Permission
	for _, entry := range roleEntries {
		base = base.Add(entry.Permissions)
	}

	if base.Has(ServerManage) {
		return AllPermissions, nil
	}

	return base, nil
}

// HasServerPermission checks whether a user has a specific server-level permission.
func (r *Resolver) HasServerPermission(ctx context.Context, userID uuid.UUID, perm Permission) (bool, error) {
	effective, err := r.ResolveServer(ctx, userID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

// compute implements the channel-scope authorization oracle: the union of
// every channel role the user holds, plus the channel-owner implicit grant of
// ChannelManage, widened to every permission if the union includes
// ServerManage.
func (r *Resolver) compute(ctx context.Context, userID, channelID uuid.UUID) (Permission, error) {
	chanInfo, err := r.store.ChannelInfo(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("get channel info: %w", err)
	}

	roleEntries, err := r.store.ChannelRolePermissions(ctx, userID, channelID)
	if err != nil {
		return 0, fmt.Errorf("get channel role permissions: %w", err)
	}

	var base Permission
	for _, entry := range roleEntries {
		base = base.Add(entry.Permissions)
	}

	if chanInfo.OwnerID == userID {
		base = base.Add(ChannelManage)
	}

	if base.Has(ServerManage) {
		return AllPermissions, nil
	}

	return base, nil
}
