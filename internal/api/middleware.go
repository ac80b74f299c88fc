package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/device"
	"github.com/uncord-chat/signalcore/internal/geo"
	"github.com/uncord-chat/signalcore/internal/hmacsession"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/session"
)

// Native-client authentication headers.
const (
	HeaderClientID  = "X-Client-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// Auth methods recorded on the principal.
const (
	MethodCookie = "cookie"
	MethodHMAC   = "hmac"
)

// Principal is the unified identity the dual-mode guard resolves. Handlers
// read it from locals and never branch on Method except for side channels
// (e.g. where a login response returns its session secret).
type Principal struct {
	UserID       uuid.UUID
	DeviceID     int
	ClientHandle string
	Method       string
}

const principalKey = "principal"

// CurrentPrincipal returns the authenticated principal set by RequireAuth,
// or nil on an unauthenticated route.
func CurrentPrincipal(c fiber.Ctx) *Principal {
	p, _ := c.Locals(principalKey).(*Principal)
	return p
}

// DeviceToucher refreshes a device's connection metadata on a sighting.
// device.Registry satisfies it.
type DeviceToucher interface {
	Touch(ctx context.Context, userID uuid.UUID, deviceID int, sighting device.Sighting) error
}

// AuthMiddleware builds the dual-mode request guard: native clients present
// signed HMAC headers, browsers present the session cookie. When both are
// present the HMAC path wins.
type AuthMiddleware struct {
	verifier *hmacsession.Verifier
	sessions *session.Manager
	devices  DeviceToucher
	geo      geo.Lookup
	log      zerolog.Logger
}

// NewAuthMiddleware creates the guard.
func NewAuthMiddleware(verifier *hmacsession.Verifier, sessions *session.Manager, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, sessions: sessions, log: logger}
}

// WithSightings makes the guard refresh the signing device's last-seen
// metadata on every verified native request. The refresh runs off the
// request path and its failure is never surfaced.
func (m *AuthMiddleware) WithSightings(devices DeviceToucher, geoLookup geo.Lookup) *AuthMiddleware {
	m.devices = devices
	m.geo = geoLookup
	return m
}

// RequireAuth returns Fiber middleware enforcing authentication. On success
// it stores a *Principal plus the legacy "userID" local consumed by the
// permission middleware.
func (m *AuthMiddleware) RequireAuth() fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Get(HeaderClientID) != "" {
			return m.requireHMAC(c)
		}
		if cookie := c.Cookies(session.CookieName); cookie != "" {
			return m.requireCookie(c, cookie)
		}
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NotAuthenticated, "Authentication required")
	}
}

func (m *AuthMiddleware) requireHMAC(c fiber.Ctx) error {
	clientHandle := c.Get(HeaderClientID)
	nonce := c.Get(HeaderNonce)
	signature := c.Get(HeaderSignature)
	tsRaw := c.Get(HeaderTimestamp)

	if nonce == "" || signature == "" || tsRaw == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NotAuthenticated, "Missing signature headers")
	}

	timestampMs, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid timestamp header")
	}

	principal, err := m.verifier.Verify(c.Context(), clientHandle, timestampMs, nonce, signature, c.Path(), string(c.Body()))
	if err != nil {
		return m.mapVerifyError(c, err)
	}

	setPrincipal(c, &Principal{
		UserID:       principal.UserID,
		DeviceID:     principal.DeviceID,
		ClientHandle: principal.ClientHandle,
		Method:       MethodHMAC,
	})

	if m.devices != nil {
		m.recordSighting(principal.UserID, principal.DeviceID, c.IP(), c.Get("User-Agent"))
	}

	return c.Next()
}

// recordSighting refreshes the device row best-effort, detached from the
// request so a slow geo lookup never delays the response.
func (m *AuthMiddleware) recordSighting(userID uuid.UUID, deviceID int, ip, userAgent string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		location := "unknown"
		if m.geo != nil {
			if loc, err := m.geo.Locate(ctx, ip); err == nil {
				location = loc
			}
		}
		if err := m.devices.Touch(ctx, userID, deviceID, device.Sighting{IP: ip, UserAgent: userAgent, Location: location}); err != nil {
			m.log.Warn().Err(err).Str("user_id", userID.String()).Int("device_id", deviceID).Msg("device sighting refresh failed")
		}
	}()
}

func (m *AuthMiddleware) requireCookie(c fiber.Ctx, cookie string) error {
	state, err := m.sessions.Get(c.Context(), cookie)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NoSession, "Session not found or expired")
		}
		m.log.Error().Err(err).Msg("session lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if state.UserID == uuid.Nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NotAuthenticated, "Session is not authenticated")
	}

	setPrincipal(c, &Principal{
		UserID:       state.UserID,
		DeviceID:     state.DeviceID,
		ClientHandle: state.ClientHandle,
		Method:       MethodCookie,
	})
	c.Locals("sessionCookie", cookie)
	return c.Next()
}

func (m *AuthMiddleware) mapVerifyError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, hmacsession.ErrRequestExpired):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.RequestExpired, "Request timestamp outside the allowed window")
	case errors.Is(err, hmacsession.ErrDuplicateNonce):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.DuplicateNonce, "Nonce already used")
	case errors.Is(err, hmacsession.ErrNoSession):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NoSession, "No session for this client")
	case errors.Is(err, hmacsession.ErrSessionExpired):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.SessionExpired, "Session expired")
	case errors.Is(err, hmacsession.ErrInvalidSignature):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidSignature, "Signature mismatch")
	case errors.Is(err, hmacsession.ErrUserInactive):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.UserInactive, "Account is inactive")
	default:
		m.log.Error().Err(err).Msg("hmac verification failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}

func setPrincipal(c fiber.Ctx, p *Principal) {
	c.Locals(principalKey, p)
	c.Locals("userID", p.UserID)
}
