// Package refresh implements the RefreshTokenStore: opaque long-lived
// tokens scoped to one device, rotated on every redemption, with reuse
// of an already-redeemed token revoking the whole chain for that device.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound is returned when a refresh token is unknown or expired.
var ErrTokenNotFound = errors.New("refresh token not found")

// ErrChainCompromised is returned when a refresh token is redeemed a second
// time; the whole chain for its device has been revoked as a side effect.
var ErrChainCompromised = errors.New("refresh token chain compromised")

func tokenKey(token string) string {
	return "refresh:" + token
}

func chainKey(clientHandle string) string {
	return "refresh_chain:" + clientHandle
}

// issueScript stores a new token's record and registers it in its device's
// chain set, so the whole chain can be revoked in one shot on reuse.
//
//	KEYS[1] = refresh:{token}
//	KEYS[2] = refresh_chain:{clientHandle}
//	ARGV[1] = clientHandle
//	ARGV[2] = userID string
//	ARGV[3] = token (for SADD)
//	ARGV[4] = TTL in seconds
var issueScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'client_handle', ARGV[1], 'user_id', ARGV[2], 'used', '0')
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[4]))
return 1
`)

// redeemScript atomically consumes oldToken and issues newToken. Records are
// kept (not deleted) with a used flag so a second redemption of the same
// token is detectable as reuse, at which point the entire chain for that
// device is revoked. Failure paths are signaled by sentinel string
// returns rather than script errors, since neither sentinel can collide
// with a UUID successor token or a UUID user id.
//
//	KEYS[1] = refresh:{oldToken}
//	ARGV[1] = newToken
//	ARGV[2] = TTL in seconds
var redeemScript = redis.NewScript(`
local used = redis.call('HGET', KEYS[1], 'used')
if used == false then
    return 'NOTFOUND'
end

local clientHandle = redis.call('HGET', KEYS[1], 'client_handle')
local userId = redis.call('HGET', KEYS[1], 'user_id')

if used == '1' then
    local members = redis.call('SMEMBERS', 'refresh_chain:' .. clientHandle)
    for _, member in ipairs(members) do
        redis.call('DEL', 'refresh:' .. member)
    end
    redis.call('DEL', 'refresh_chain:' .. clientHandle)
    return 'REUSED'
end

redis.call('HSET', KEYS[1], 'used', '1')

local newKey = 'refresh:' .. ARGV[1]
redis.call('HSET', newKey, 'client_handle', clientHandle, 'user_id', userId, 'used', '0')
redis.call('EXPIRE', newKey, tonumber(ARGV[2]))
redis.call('SADD', 'refresh_chain:' .. clientHandle, ARGV[1])
redis.call('EXPIRE', 'refresh_chain:' .. clientHandle, tonumber(ARGV[2]))

return userId
`)

// revokeChainScript deletes every token ever issued for a device.
//
//	KEYS[1] = refresh_chain:{clientHandle}
var revokeChainScript = redis.NewScript(`
local tokens = redis.call('SMEMBERS', KEYS[1])
for _, token in ipairs(tokens) do
    redis.call('DEL', 'refresh:' .. token)
end
redis.call('DEL', KEYS[1])
return #tokens
`)

// Store is the Valkey-backed RefreshTokenStore.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore creates a refresh token store with the given token lifetime.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Issue mints a new refresh token for the given device and user.
func (s *Store) Issue(ctx context.Context, clientHandle string, userID uuid.UUID) (string, error) {
	token := uuid.New().String()

	_, err := issueScript.Run(ctx, s.rdb,
		[]string{tokenKey(token), chainKey(clientHandle)},
		clientHandle, userID.String(), token, int(s.ttl.Seconds()),
	).Result()
	if err != nil {
		return "", fmt.Errorf("issue refresh token: %w", err)
	}

	return token, nil
}

// Redeem atomically consumes oldToken and returns a successor token along
// with the user it belongs to. Returns ErrChainCompromised if oldToken was
// already redeemed once, after revoking every token issued for its device.
func (s *Store) Redeem(ctx context.Context, oldToken string) (string, uuid.UUID, error) {
	newToken := uuid.New().String()

	result, err := redeemScript.Run(ctx, s.rdb,
		[]string{tokenKey(oldToken)},
		newToken, int(s.ttl.Seconds()),
	).Text()
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("redeem refresh token: %w", err)
	}

	switch result {
	case "NOTFOUND":
		return "", uuid.Nil, ErrTokenNotFound
	case "REUSED":
		return "", uuid.Nil, ErrChainCompromised
	}

	userID, err := uuid.Parse(result)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("parse user id from refresh token: %w", err)
	}

	return newToken, userID, nil
}

// RevokeChain deletes every refresh token ever issued for a device. Called
// when a device is removed from the registry.
func (s *Store) RevokeChain(ctx context.Context, clientHandle string) error {
	_, err := revokeChainScript.Run(ctx, s.rdb, []string{chainKey(clientHandle)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("revoke refresh chain: %w", err)
	}
	return nil
}
