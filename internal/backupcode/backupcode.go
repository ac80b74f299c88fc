// Package backupcode implements one-time account-recovery codes: a batch
// of ten, hashed at rest with argon2id, with exponential backoff on
// repeated failed verification attempts.
package backupcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

// Sentinel errors for the backupcode package.
var (
	ErrNoCodesRemain     = errors.New("no unused backup codes remain")
	ErrCodeInvalid       = errors.New("backup code invalid")
	ErrRegenerateBlocked = errors.New("regeneration only allowed with at most one unused code remaining")
)

const (
	codeCount  = 10
	codeLength = 16
	alphabet   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// TooEarlyError reports the remaining backoff wait after repeated failures.
type TooEarlyError struct {
	Wait time.Duration
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("too many failed attempts, wait %d seconds", int(e.Wait.Seconds()))
}

// Code is a single stored backup code.
type Code struct {
	Hash string
	Used bool
}

// AttemptTracker records consecutive verification failures per user so the
// backoff schedule can be enforced without touching the code store during
// the wait window. A process-resident map is sufficient since failure
// counters are not required to survive a restart.
type AttemptTracker struct {
	failures map[uuid.UUID]failureState
}

type failureState struct {
	count      int
	blockedAt  time.Time
}

// NewAttemptTracker creates an empty in-memory attempt tracker.
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{failures: make(map[uuid.UUID]failureState)}
}

// Store persists hashed backup codes. Implementations must update the full
// set atomically (the write serializer enforces this for the PostgreSQL
// implementation).
type Store interface {
	Get(ctx context.Context, userID uuid.UUID) ([]Code, error)
	Replace(ctx context.Context, userID uuid.UUID, codes []Code) error
}

// Service generates and verifies backup codes.
type Service struct {
	store    Store
	attempts *AttemptTracker
}

// New creates a backup code service.
func New(store Store, attempts *AttemptTracker) *Service {
	return &Service{store: store, attempts: attempts}
}

// Generate creates a fresh batch of ten codes, hashes and stores them, and
// returns the plaintext list. The caller must present this list to the user
// exactly once; it is never recoverable afterward.
func (s *Service) Generate(ctx context.Context, userID uuid.UUID) ([]string, error) {
	plain := make([]string, codeCount)
	hashed := make([]Code, codeCount)
	for i := range plain {
		code, err := randomCode()
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		hash, err := argon2id.CreateHash(code, argon2id.DefaultParams)
		if err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
		plain[i] = code
		hashed[i] = Code{Hash: hash}
	}

	if err := s.store.Replace(ctx, userID, hashed); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}
	delete(s.attempts.failures, userID)
	return plain, nil
}

// Regenerate replaces the stored batch, but only when at most one unused
// code remains from the previous batch.
func (s *Service) Regenerate(ctx context.Context, userID uuid.UUID) ([]string, error) {
	existing, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load backup codes: %w", err)
	}
	unused := 0
	for _, c := range existing {
		if !c.Used {
			unused++
		}
	}
	if unused > 1 {
		return nil, ErrRegenerateBlocked
	}
	return s.Generate(ctx, userID)
}

// Verify checks code against the user's stored batch in constant time
// (argon2id.ComparePasswordAndHash is constant-time), marking the matching
// code used on success. Repeated failures trigger exponential backoff:
// wait = ceil(60 * 1.8^(n-1)) seconds for the n-th consecutive failure.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID, code string) error {
	if wait, blocked := s.backoffRemaining(userID); blocked {
		return &TooEarlyError{Wait: wait}
	}

	codes, err := s.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load backup codes: %w", err)
	}

	matchIdx := -1
	for i, c := range codes {
		if c.Used {
			continue
		}
		ok, err := argon2id.ComparePasswordAndHash(code, c.Hash)
		if err != nil {
			return fmt.Errorf("compare backup code: %w", err)
		}
		if ok {
			matchIdx = i
			break
		}
	}

	if matchIdx == -1 {
		s.recordFailure(userID)
		return ErrCodeInvalid
	}

	codes[matchIdx].Used = true
	if err := s.store.Replace(ctx, userID, codes); err != nil {
		return fmt.Errorf("mark backup code used: %w", err)
	}
	delete(s.attempts.failures, userID)
	return nil
}

func (s *Service) backoffRemaining(userID uuid.UUID) (time.Duration, bool) {
	state, ok := s.attempts.failures[userID]
	if !ok || state.count == 0 {
		return 0, false
	}
	wait := backoffWait(state.count)
	elapsed := time.Since(state.blockedAt)
	if elapsed >= wait {
		return 0, false
	}
	return wait - elapsed, true
}

func (s *Service) recordFailure(userID uuid.UUID) {
	state := s.attempts.failures[userID]
	state.count++
	state.blockedAt = time.Now()
	s.attempts.failures[userID] = state
}

func backoffWait(n int) time.Duration {
	seconds := math.Ceil(60 * math.Pow(1.8, float64(n-1)))
	return time.Duration(seconds) * time.Second
}

func randomCode() (string, error) {
	var b strings.Builder
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for _, v := range buf {
		b.WriteByte(alphabet[int(v)%len(alphabet)])
	}
	return b.String(), nil
}
