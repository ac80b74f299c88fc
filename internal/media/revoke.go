package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenRevoked is returned when a one-shot token's id has already been
// consumed.
var ErrTokenRevoked = errors.New("token already consumed")

// Revoker is the server-side revocation set for one-shot bearer tokens,
// keyed by the token's jti claim. Entries expire with the token itself, so
// the set never outgrows the live-token window.
type Revoker struct {
	rdb *redis.Client
}

// NewRevoker creates a revocation set backed by Valkey.
func NewRevoker(rdb *redis.Client) *Revoker {
	return &Revoker{rdb: rdb}
}

func revokeKey(tokenID string) string { return "token_used:" + tokenID }

// ConsumeOnce marks tokenID used, failing with ErrTokenRevoked if it was
// already consumed. ttl should cover the token's remaining validity; after
// that the entry is garbage and expires.
func (r *Revoker) ConsumeOnce(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := r.rdb.SetNX(ctx, revokeKey(tokenID), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	if !ok {
		return ErrTokenRevoked
	}
	return nil
}

// IsRevoked reports whether tokenID has been consumed, without consuming it.
func (r *Revoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, revokeKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return n > 0, nil
}
