// Package hmacsession implements the native-client HMAC request signing
// scheme: a per-device shared secret, minted once and never
// re-exposed, used to sign every subsequent request instead of a bearer
// token.
package hmacsession

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uncord-chat/signalcore/internal/noncecache"
)

// Verification failures. Apart from ErrNoCredentials, which Verify never
// returns, they are listed in the order Verify checks them.
var (
	ErrNoCredentials    = errors.New("no hmac credentials presented")
	ErrRequestExpired   = errors.New("request timestamp outside allowed skew")
	ErrDuplicateNonce   = errors.New("nonce already used")
	ErrNoSession        = errors.New("no hmac session for client handle")
	ErrSessionExpired   = errors.New("hmac session expired")
	ErrInvalidSignature = errors.New("hmac signature mismatch")
	ErrUserInactive     = errors.New("user is not active")
)

// maxSkew bounds how far a request timestamp may drift from server time.
const maxSkew = 5 * time.Minute

// Session is a minted HMAC credential bound to one device.
type Session struct {
	ClientHandle string
	UserID       uuid.UUID
	DeviceID     int
	Secret       []byte
	DeviceInfo   string
	ExpiresAt    time.Time
	LastUsed     time.Time
	CreatedAt    time.Time
}

// Principal identifies the authenticated caller of a verified request.
type Principal struct {
	UserID       uuid.UUID
	DeviceID     int
	ClientHandle string
}

// UserChecker reports whether a user account is active. It is a narrow seam
// onto the user package so this package does not need to depend on its full
// repository surface.
type UserChecker interface {
	IsActive(ctx context.Context, userID uuid.UUID) (bool, error)
}

// SessionStore is the persistence seam Verifier needs: look up a session by
// client handle and bump its last-used time. *Store satisfies this.
type SessionStore interface {
	Get(ctx context.Context, clientHandle string) (*Session, error)
	Touch(ctx context.Context, clientHandle string) error
}

// Verifier checks signed native-client requests against minted sessions.
type Verifier struct {
	store  SessionStore
	nonces *noncecache.Cache
	users  UserChecker
}

// NewVerifier creates an HMAC request verifier.
func NewVerifier(store SessionStore, nonces *noncecache.Cache, users UserChecker) *Verifier {
	return &Verifier{store: store, nonces: nonces, users: users}
}

// Verify checks a native-client request's signature and returns the
// authenticated Principal on success. timestampMs is the client-supplied
// request timestamp in Unix milliseconds; signatureHex is the hex-encoded
// HMAC-SHA256 of "clientHandle:timestampMs:nonce:requestPath:requestBody"
// under the session secret.
func (v *Verifier) Verify(ctx context.Context, clientHandle string, timestampMs int64, nonce, signatureHex, requestPath, requestBody string) (*Principal, error) {
	now := time.Now()
	ts := time.UnixMilli(timestampMs)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return nil, ErrRequestExpired
	}

	if v.nonces.Seen(nonce) {
		return nil, ErrDuplicateNonce
	}

	sess, err := v.store.Get(ctx, clientHandle)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	if now.After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	expected := signFields(sess.Secret, clientHandle, timestampMs, nonce, requestPath, requestBody)
	if !hmac.Equal(expected, signature) {
		return nil, ErrInvalidSignature
	}

	active, err := v.users.IsActive(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("check user active: %w", err)
	}
	if !active {
		return nil, ErrUserInactive
	}

	if err := v.store.Touch(ctx, clientHandle); err != nil {
		return nil, fmt.Errorf("touch hmac session: %w", err)
	}

	return &Principal{UserID: sess.UserID, DeviceID: sess.DeviceID, ClientHandle: clientHandle}, nil
}

func signFields(secret []byte, clientHandle string, timestampMs int64, nonce, requestPath, requestBody string) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%d:%s:%s:%s", clientHandle, timestampMs, nonce, requestPath, requestBody)
	return mac.Sum(nil)
}
