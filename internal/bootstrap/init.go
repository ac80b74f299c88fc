// Package bootstrap seeds a fresh installation: the owner account, the
// builtin roles, the server profile, and a first signal channel. It runs
// exactly once, keyed on the server_config table being empty.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/config"
	"github.com/uncord-chat/signalcore/internal/permission"
	"github.com/uncord-chat/signalcore/internal/postgres"
	"github.com/uncord-chat/signalcore/internal/user"
)

// DefaultMemberPermissions is the bitfield granted to the builtin Member
// role: what an ordinary participant needs, nothing administrative.
var DefaultMemberPermissions = permission.ChannelCreate | permission.MemberView

// DefaultOwnerPermissions is the bitfield granted to the builtin Owner
// role. ServerManage widens to every permission at resolution time.
var DefaultOwnerPermissions = permission.ServerManage

// IsFirstRun returns true when the server_config table has no rows.
func IsFirstRun(ctx context.Context, db *pgxpool.Pool) (bool, error) {
	var count int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM server_config").Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check first run: %w", err)
	}
	return count == 0, nil
}

// Seeded reports what RunFirstInit created, so the caller can log it and
// wire the builtin Member role into enrollment defaults.
type Seeded struct {
	OwnerUserID  uuid.UUID
	OwnerRoleID  uuid.UUID
	MemberRoleID uuid.UUID
	ChannelID    uuid.UUID
}

// RunFirstInit seeds the database inside a single transaction: the owner
// account (unverified until they complete OTP enrollment), the builtin
// Owner and Member server roles, the server profile, and a default signal
// channel owned by the owner.
func RunFirstInit(ctx context.Context, db *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) (*Seeded, error) {
	if cfg.InitOwnerAddress == "" {
		return nil, fmt.Errorf("INIT_OWNER_ADDRESS must be set for first-run initialization")
	}
	address := strings.TrimSpace(cfg.InitOwnerAddress)
	if !strings.Contains(address, "@") {
		return nil, fmt.Errorf("INIT_OWNER_ADDRESS %q is not a valid address", address)
	}

	seeded := &Seeded{
		OwnerUserID:  uuid.New(),
		OwnerRoleID:  uuid.New(),
		MemberRoleID: uuid.New(),
		ChannelID:    uuid.New(),
	}

	prefs, err := json.Marshal(user.DefaultNotificationPrefs())
	if err != nil {
		return nil, fmt.Errorf("marshal default notification prefs: %w", err)
	}

	err = postgres.WithTx(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (user_id, address, address_lower, verified, active, backup_codes, credentials, notif_prefs)
			 VALUES ($1, $2, $3, false, true, '[]'::jsonb, '[]'::jsonb, $4)`,
			seeded.OwnerUserID, address, strings.ToLower(address), prefs,
		); err != nil {
			return fmt.Errorf("seed owner user: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO roles (role_id, name, description, scope, permissions, builtin)
			 VALUES ($1, 'Owner', 'Full control of this server', 'server', $2, true),
			        ($3, 'Member', 'Standard member access', 'server', $4, true)`,
			seeded.OwnerRoleID, int64(DefaultOwnerPermissions),
			seeded.MemberRoleID, int64(DefaultMemberPermissions),
		); err != nil {
			return fmt.Errorf("seed builtin roles: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO user_role_server (user_id, role_id) VALUES ($1, $2)",
			seeded.OwnerUserID, seeded.OwnerRoleID,
		); err != nil {
			return fmt.Errorf("assign owner role: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO channels (channel_id, kind, private, owner_user_id, name)
			 VALUES ($1, 'signal', false, $2, 'general')`,
			seeded.ChannelID, seeded.OwnerUserID,
		); err != nil {
			return fmt.Errorf("seed default channel: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)",
			seeded.ChannelID, seeded.OwnerUserID,
		); err != nil {
			return fmt.Errorf("seed owner membership: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO server_config (name, description, owner_id) VALUES ($1, '', $2)",
			cfg.ServerName, seeded.OwnerUserID,
		); err != nil {
			return fmt.Errorf("seed server profile: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("owner_address", address).
		Str("channel_id", seeded.ChannelID.String()).
		Msg("First-run initialization seeded owner, roles, and default channel")

	return seeded, nil
}
