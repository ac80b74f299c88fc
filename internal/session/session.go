// Package session implements browser-facing cookie sessions: an
// opaque cookie value backed by a Valkey-resident row carrying the user,
// current device, and in-progress auth-flow state. Creation, extension,
// and destruction go through internal/writeserializer; reads do not.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/uncord-chat/signalcore/internal/writeserializer"
)

// ErrNotFound is returned when no session exists for a cookie value.
var ErrNotFound = errors.New("session not found")

// CookieName is the name of the session cookie set on the client.
const CookieName = "signalcore_session"

// State is the server-side record behind a session cookie.
type State struct {
	UserID       uuid.UUID
	ClientHandle string
	DeviceID     int
	FlowState    string
	// PendingCSRF holds a one-time token minted for an embedded-browser
	// enrollment flow. assert_credential consumes it; it is never reused.
	PendingCSRF string
	CreatedAt   time.Time
}

type wireState struct {
	UserID       string    `json:"user_id"`
	ClientHandle string    `json:"client_handle"`
	DeviceID     int       `json:"device_id"`
	FlowState    string    `json:"flow_state"`
	PendingCSRF  string    `json:"pending_csrf,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Manager creates, extends, and destroys cookie sessions.
type Manager struct {
	rdb        *redis.Client
	serializer *writeserializer.Serializer
	ttl        time.Duration
}

// NewManager creates a session manager.
func NewManager(rdb *redis.Client, serializer *writeserializer.Serializer, ttl time.Duration) *Manager {
	return &Manager{rdb: rdb, serializer: serializer, ttl: ttl}
}

func sessionKey(cookie string) string { return "session:" + cookie }

// Create mints a new opaque cookie value and session row. Used when a flow
// first reaches a state worth persisting (e.g. OTPVerified) or on login.
func (m *Manager) Create(ctx context.Context, st State) (cookie string, err error) {
	cookie, genErr := randomCookie()
	if genErr != nil {
		return "", fmt.Errorf("generate session cookie: %w", genErr)
	}
	st.CreatedAt = time.Now()

	_, err = writeserializer.Submit(ctx, m.serializer, "session.create", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.put(ctx, cookie, st)
	})
	if err != nil {
		return "", err
	}
	return cookie, nil
}

// Get returns the session state for a cookie, or ErrNotFound if absent or
// expired. Reads do not go through the write serializer.
func (m *Manager) Get(ctx context.Context, cookie string) (*State, error) {
	raw, err := m.rdb.Get(ctx, sessionKey(cookie)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var w wireState
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	userID, err := uuid.Parse(w.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse session user id: %w", err)
	}
	return &State{
		UserID:       userID,
		ClientHandle: w.ClientHandle,
		DeviceID:     w.DeviceID,
		FlowState:    w.FlowState,
		PendingCSRF:  w.PendingCSRF,
		CreatedAt:    w.CreatedAt,
	}, nil
}

// Extend replaces the stored state for a cookie (e.g. advancing FlowState,
// or attaching a device after enrollment) and refreshes its TTL.
func (m *Manager) Extend(ctx context.Context, cookie string, st State) error {
	_, err := writeserializer.Submit(ctx, m.serializer, "session.extend", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.put(ctx, cookie, st)
	})
	return err
}

// Destroy removes a session row, used on logout. The caller is responsible
// for clearing the client-side cookie.
func (m *Manager) Destroy(ctx context.Context, cookie string) error {
	_, err := writeserializer.Submit(ctx, m.serializer, "session.destroy", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.rdb.Del(ctx, sessionKey(cookie)).Err()
	})
	return err
}

func (m *Manager) put(ctx context.Context, cookie string, st State) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	data, err := json.Marshal(wireState{
		UserID:       st.UserID.String(),
		ClientHandle: st.ClientHandle,
		DeviceID:     st.DeviceID,
		FlowState:    st.FlowState,
		PendingCSRF:  st.PendingCSRF,
		CreatedAt:    st.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.rdb.Set(ctx, sessionKey(cookie), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func randomCookie() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
