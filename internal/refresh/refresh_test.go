package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewStore(rdb, 5*time.Minute)
}

func TestIssueReturnsToken(t *testing.T) {
	t.Parallel()
	_, store := setupMiniredis(t)
	ctx := context.Background()
	userID := uuid.New()

	token, err := store.Issue(ctx, "device-1", userID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if token == "" {
		t.Fatal("Issue() returned empty token")
	}
}

func TestRedeemReturnsSuccessorAndUser(t *testing.T) {
	t.Parallel()
	_, store := setupMiniredis(t)
	ctx := context.Background()
	userID := uuid.New()

	token, err := store.Issue(ctx, "device-1", userID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	newToken, gotID, err := store.Redeem(ctx, token)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if gotID != userID {
		t.Errorf("Redeem() userID = %v, want %v", gotID, userID)
	}
	if newToken == "" || newToken == token {
		t.Fatalf("Redeem() returned newToken = %q, want a fresh non-empty token", newToken)
	}

	// The successor token should itself be redeemable.
	_, gotID, err = store.Redeem(ctx, newToken)
	if err != nil {
		t.Fatalf("Redeem(successor) error = %v", err)
	}
	if gotID != userID {
		t.Errorf("Redeem(successor) userID = %v, want %v", gotID, userID)
	}
}

func TestRedeemUnknownTokenNotFound(t *testing.T) {
	t.Parallel()
	_, store := setupMiniredis(t)
	ctx := context.Background()

	_, _, err := store.Redeem(ctx, "nonexistent-token")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Redeem() error = %v, want ErrTokenNotFound", err)
	}
}

func TestRedeemReuseRevokesChain(t *testing.T) {
	t.Parallel()
	_, store := setupMiniredis(t)
	ctx := context.Background()
	userID := uuid.New()

	token, err := store.Issue(ctx, "device-1", userID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	newToken, _, err := store.Redeem(ctx, token)
	if err != nil {
		t.Fatalf("first Redeem() error = %v", err)
	}

	// Redeeming the already-used token is reuse: the whole chain, including
	// the live successor, must be revoked.
	_, _, err = store.Redeem(ctx, token)
	if !errors.Is(err, ErrChainCompromised) {
		t.Fatalf("second Redeem() error = %v, want ErrChainCompromised", err)
	}

	_, _, err = store.Redeem(ctx, newToken)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Redeem(successor after reuse) error = %v, want ErrTokenNotFound", err)
	}
}

func TestRevokeChainDeletesAllTokens(t *testing.T) {
	t.Parallel()
	_, store := setupMiniredis(t)
	ctx := context.Background()
	userID := uuid.New()

	token1, err := store.Issue(ctx, "device-1", userID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	token2, _, err := store.Redeem(ctx, token1)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}

	if err := store.RevokeChain(ctx, "device-1"); err != nil {
		t.Fatalf("RevokeChain() error = %v", err)
	}

	_, _, err = store.Redeem(ctx, token2)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Redeem() after RevokeChain error = %v, want ErrTokenNotFound", err)
	}
}

func TestRevokeChainEmpty(t *testing.T) {
	t.Parallel()
	_, store := setupMiniredis(t)
	ctx := context.Background()

	if err := store.RevokeChain(ctx, "never-issued"); err != nil {
		t.Fatalf("RevokeChain() with no tokens error = %v", err)
	}
}

func TestIssueScopesByDeviceNotUser(t *testing.T) {
	t.Parallel()
	_, store := setupMiniredis(t)
	ctx := context.Background()
	userID := uuid.New()

	tokenA, err := store.Issue(ctx, "device-a", userID)
	if err != nil {
		t.Fatalf("Issue(device-a) error = %v", err)
	}
	tokenB, err := store.Issue(ctx, "device-b", userID)
	if err != nil {
		t.Fatalf("Issue(device-b) error = %v", err)
	}

	// Revoking device-a's chain must not affect device-b's token.
	if err := store.RevokeChain(ctx, "device-a"); err != nil {
		t.Fatalf("RevokeChain() error = %v", err)
	}

	_, _, err = store.Redeem(ctx, tokenA)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Redeem(tokenA) after RevokeChain(device-a) error = %v, want ErrTokenNotFound", err)
	}

	if _, _, err := store.Redeem(ctx, tokenB); err != nil {
		t.Errorf("Redeem(tokenB) error = %v, want nil", err)
	}
}
