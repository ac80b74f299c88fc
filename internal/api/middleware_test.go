package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/authstate"
	"github.com/uncord-chat/signalcore/internal/hmacsession"
	"github.com/uncord-chat/signalcore/internal/noncecache"
	"github.com/uncord-chat/signalcore/internal/session"
)

// fakeSessionStore backs the HMAC verifier without PostgreSQL.
type fakeSessionStore struct {
	sessions map[string]*hmacsession.Session
}

func (s *fakeSessionStore) Get(_ context.Context, clientHandle string) (*hmacsession.Session, error) {
	sess, ok := s.sessions[clientHandle]
	if !ok {
		return nil, hmacsession.ErrNotFound
	}
	return sess, nil
}

func (s *fakeSessionStore) Touch(_ context.Context, _ string) error { return nil }

type fakeUserChecker struct{ active bool }

func (f *fakeUserChecker) IsActive(_ context.Context, _ uuid.UUID) (bool, error) {
	return f.active, nil
}

func signRequest(secret []byte, clientHandle string, timestampMs int64, nonce, path, body string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%d:%s:%s:%s", clientHandle, timestampMs, nonce, path, body)
	return hex.EncodeToString(mac.Sum(nil))
}

func guardApp(t *testing.T, verifier *hmacsession.Verifier, sessions *session.Manager) *fiber.App {
	t.Helper()
	guard := NewAuthMiddleware(verifier, sessions, zerolog.Nop())
	app := fiber.New()
	app.Post("/protected", guard.RequireAuth(), func(c fiber.Ctx) error {
		p := CurrentPrincipal(c)
		return c.JSON(fiber.Map{"user_id": p.UserID, "device_id": p.DeviceID, "method": p.Method})
	})
	return app
}

func hmacFixture(t *testing.T) (*hmacsession.Verifier, *hmacsession.Session) {
	t.Helper()
	secret := []byte("0123456789abcdef0123456789abcdef")
	sess := &hmacsession.Session{
		ClientHandle: "handle-1",
		UserID:       uuid.New(),
		DeviceID:     2,
		Secret:       secret,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	store := &fakeSessionStore{sessions: map[string]*hmacsession.Session{"handle-1": sess}}
	return hmacsession.NewVerifier(store, noncecache.New(), &fakeUserChecker{active: true}), sess
}

func signedRequest(sess *hmacsession.Session, nonce, body string) *http.Request {
	ts := time.Now().UnixMilli()
	req := httptest.NewRequest(http.MethodPost, "/protected", strings.NewReader(body))
	req.Header.Set(HeaderClientID, sess.ClientHandle)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, signRequest(sess.Secret, sess.ClientHandle, ts, nonce, "/protected", body))
	return req
}

func TestRequireAuthHMACSuccess(t *testing.T) {
	t.Parallel()
	verifier, sess := hmacFixture(t)
	app := guardApp(t, verifier, nil)

	resp, err := app.Test(signedRequest(sess, "nonce-1", `{"x":1}`))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		UserID   uuid.UUID `json:"user_id"`
		DeviceID int       `json:"device_id"`
		Method   string    `json:"method"`
	}
	decodeEnvelope(t, resp, &out)
	if out.UserID != sess.UserID || out.DeviceID != sess.DeviceID {
		t.Errorf("principal = %+v, want session identity", out)
	}
	if out.Method != MethodHMAC {
		t.Errorf("method = %q, want %q", out.Method, MethodHMAC)
	}
}

func TestRequireAuthHMACReplayRejected(t *testing.T) {
	t.Parallel()
	verifier, sess := hmacFixture(t)
	app := guardApp(t, verifier, nil)

	first, err := app.Test(signedRequest(sess, "nonce-replay", ""))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.StatusCode)
	}
	_ = first.Body.Close()

	// Byte-identical replay within the freshness window.
	second, err := app.Test(signedRequest(sess, "nonce-replay", ""))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if second.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", second.StatusCode)
	}
	if code := errorCode(t, second); code != "DUPLICATE_NONCE" {
		t.Errorf("error code = %q, want DUPLICATE_NONCE", code)
	}

	// A fresh nonce on the same session is admitted again.
	third, err := app.Test(signedRequest(sess, "nonce-fresh", ""))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if third.StatusCode != http.StatusOK {
		t.Errorf("fresh nonce status = %d, want 200", third.StatusCode)
	}
	_ = third.Body.Close()
}

func TestRequireAuthHMACStaleTimestamp(t *testing.T) {
	t.Parallel()
	verifier, sess := hmacFixture(t)
	app := guardApp(t, verifier, nil)

	ts := time.Now().Add(-6 * time.Minute).UnixMilli()
	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.Header.Set(HeaderClientID, sess.ClientHandle)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, "nonce-stale")
	req.Header.Set(HeaderSignature, signRequest(sess.Secret, sess.ClientHandle, ts, "nonce-stale", "/protected", ""))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "REQUEST_EXPIRED" {
		t.Errorf("error code = %q, want REQUEST_EXPIRED", code)
	}
}

func TestRequireAuthHMACBadSignature(t *testing.T) {
	t.Parallel()
	verifier, sess := hmacFixture(t)
	app := guardApp(t, verifier, nil)

	req := signedRequest(sess, "nonce-sig", "tampered-after-signing")
	req.Header.Set(HeaderSignature, strings.Repeat("ab", 32))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INVALID_SIGNATURE" {
		t.Errorf("error code = %q, want INVALID_SIGNATURE", code)
	}
}

func TestRequireAuthCookieSession(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	sessions := session.NewManager(rdb, newTestSerializer(t), time.Hour)

	userID := uuid.New()
	cookie, err := sessions.Create(context.Background(), session.State{
		UserID:       userID,
		DeviceID:     1,
		ClientHandle: "handle-c",
		FlowState:    authstate.Complete,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	app := guardApp(t, nil, sessions)
	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: cookie})

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		UserID uuid.UUID `json:"user_id"`
		Method string    `json:"method"`
	}
	decodeEnvelope(t, resp, &out)
	if out.UserID != userID {
		t.Errorf("user_id = %v, want %v", out.UserID, userID)
	}
	if out.Method != MethodCookie {
		t.Errorf("method = %q, want %q", out.Method, MethodCookie)
	}
}

func TestRequireAuthNoCredentials(t *testing.T) {
	t.Parallel()
	app := guardApp(t, nil, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/protected", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "NOT_AUTHENTICATED" {
		t.Errorf("error code = %q, want NOT_AUTHENTICATED", code)
	}
}
