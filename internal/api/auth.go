package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/authstate"
	"github.com/uncord-chat/signalcore/internal/backupcode"
	"github.com/uncord-chat/signalcore/internal/credential"
	"github.com/uncord-chat/signalcore/internal/device"
	"github.com/uncord-chat/signalcore/internal/geo"
	"github.com/uncord-chat/signalcore/internal/hmacsession"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/invite"
	"github.com/uncord-chat/signalcore/internal/magiclink"
	"github.com/uncord-chat/signalcore/internal/mail"
	"github.com/uncord-chat/signalcore/internal/otp"
	"github.com/uncord-chat/signalcore/internal/refresh"
	"github.com/uncord-chat/signalcore/internal/session"
	"github.com/uncord-chat/signalcore/internal/user"
)

// AuthHandler serves the enrollment and login flows: OTP bootstrap, backup
// codes, WebAuthn ceremonies, magic links, and token refresh.
type AuthHandler struct {
	flow          *authstate.Service
	sessions      *session.Manager
	users         user.Repository
	backupCodes   *backupcode.Service
	refreshTokens *refresh.Store
	hmacSessions  *hmacsession.Store
	magicLinks    *magiclink.Service
	notifier      *mail.Notifier
	geo           geo.Lookup

	cookieSecure   bool
	cookieTTL      time.Duration
	hmacSessionTTL time.Duration

	log zerolog.Logger
}

// AuthHandlerConfig groups the cookie and session knobs for NewAuthHandler.
type AuthHandlerConfig struct {
	CookieSecure   bool
	CookieTTL      time.Duration
	HMACSessionTTL time.Duration
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(
	flow *authstate.Service,
	sessions *session.Manager,
	users user.Repository,
	backupCodes *backupcode.Service,
	refreshTokens *refresh.Store,
	hmacSessions *hmacsession.Store,
	magicLinks *magiclink.Service,
	notifier *mail.Notifier,
	geoLookup geo.Lookup,
	cfg AuthHandlerConfig,
	logger zerolog.Logger,
) *AuthHandler {
	return &AuthHandler{
		flow:           flow,
		sessions:       sessions,
		users:          users,
		backupCodes:    backupCodes,
		refreshTokens:  refreshTokens,
		hmacSessions:   hmacSessions,
		magicLinks:     magicLinks,
		notifier:       notifier,
		geo:            geoLookup,
		cookieSecure:   cfg.CookieSecure,
		cookieTTL:      cfg.CookieTTL,
		hmacSessionTTL: cfg.HMACSessionTTL,
		log:            logger,
	}
}

// sighting assembles the best-effort connection metadata for a device
// registration. A GeoLookup failure degrades to "unknown" and is never
// surfaced to the caller.
func (h *AuthHandler) sighting(c fiber.Ctx) device.Sighting {
	location := "unknown"
	if h.geo != nil {
		if loc, err := h.geo.Locate(c.Context(), c.IP()); err == nil {
			location = loc
		}
	}
	return device.Sighting{IP: c.IP(), UserAgent: c.Get("User-Agent"), Location: location}
}

func (h *AuthHandler) setSessionCookie(c fiber.Ctx, value string) {
	c.Cookie(&fiber.Cookie{
		Name:     session.CookieName,
		Value:    value,
		HTTPOnly: true,
		Secure:   h.cookieSecure,
		SameSite: "Strict",
		MaxAge:   int(h.cookieTTL.Seconds()),
	})
}

func (h *AuthHandler) clearSessionCookie(c fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     session.CookieName,
		Value:    "",
		HTTPOnly: true,
		Secure:   h.cookieSecure,
		SameSite: "Strict",
		MaxAge:   -1,
	})
}

// flowState loads the cookie session backing an in-progress enrollment, or
// nil when the request carries no (valid) session cookie.
func (h *AuthHandler) flowState(c fiber.Ctx) (string, *session.State) {
	cookie := c.Cookies(session.CookieName)
	if cookie == "" {
		return "", nil
	}
	state, err := h.sessions.Get(c.Context(), cookie)
	if err != nil {
		return "", nil
	}
	return cookie, state
}

// Enroll handles POST /api/v1/auth/enroll: the start of passwordless
// enrollment for an address.
func (h *AuthHandler) Enroll(c fiber.Ctx) error {
	var body struct {
		Address         string  `json:"address"`
		InvitationToken *string `json:"invitation_token"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}
	if body.Address == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidAddress, "Address is required")
	}

	if err := h.flow.BeginEnrollment(c.Context(), body.Address, body.InvitationToken); err != nil {
		return h.mapFlowError(c, err)
	}

	cookie, err := h.sessions.Create(c.Context(), session.State{FlowState: authstate.AwaitingOTP})
	if err != nil {
		h.log.Error().Err(err).Msg("create enrollment session failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	h.setSessionCookie(c, cookie)

	return httputil.Success(c, fiber.Map{"status": "code_sent"})
}

// VerifyOTP handles POST /api/v1/auth/otp: validates the enrollment code,
// marks the user verified, and advances the flow.
func (h *AuthHandler) VerifyOTP(c fiber.Ctx) error {
	var body struct {
		Address         string  `json:"address"`
		Code            string  `json:"code"`
		InvitationToken *string `json:"invitation_token"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	u, err := h.flow.VerifyOTP(c.Context(), body.Address, body.Code, body.InvitationToken)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	state := session.State{UserID: u.ID, FlowState: authstate.OTPVerified}
	cookie, existing := h.flowState(c)
	if existing != nil {
		existing.UserID = u.ID
		existing.FlowState = authstate.OTPVerified
		if err := h.sessions.Extend(c.Context(), cookie, *existing); err != nil {
			h.log.Error().Err(err).Msg("advance enrollment session failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
		}
	} else {
		cookie, err = h.sessions.Create(c.Context(), state)
		if err != nil {
			h.log.Error().Err(err).Msg("create verified session failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
		}
		h.setSessionCookie(c, cookie)
	}

	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// EmitBackupCodes handles POST /api/v1/auth/backup-codes: issues the
// one-time recovery code batch for the verifying user. Gated on the
// enrollment session having reached OTPVerified.
func (h *AuthHandler) EmitBackupCodes(c fiber.Ctx) error {
	cookie, state := h.flowState(c)
	if state == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NotAuthenticated, "No enrollment session")
	}
	if state.FlowState != authstate.OTPVerified && state.FlowState != authstate.Complete {
		return httputil.Fail(c, fiber.StatusConflict, apierrors.StateMismatch, "Backup codes are issued after address verification")
	}

	codes, err := h.flow.EmitBackupCodes(c.Context(), state.UserID)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	if state.FlowState == authstate.OTPVerified {
		state.FlowState = authstate.AwaitingCredentialEnrollment
		if err := h.sessions.Extend(c.Context(), cookie, *state); err != nil {
			h.log.Error().Err(err).Msg("advance enrollment session failed")
		}
	}

	return httputil.Success(c, fiber.Map{"backup_codes": codes})
}

// VerifyBackupCode handles POST /api/v1/auth/backup-codes/verify: recovery
// login with a stored backup code.
func (h *AuthHandler) VerifyBackupCode(c fiber.Ctx) error {
	var body struct {
		Address string `json:"address"`
		Code    string `json:"code"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	u, err := h.users.GetByAddress(c.Context(), body.Address)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.OtpInvalid, "Invalid recovery code")
		}
		h.log.Error().Err(err).Msg("recovery user lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	if err := h.backupCodes.Verify(c.Context(), u.ID, body.Code); err != nil {
		return h.mapFlowError(c, err)
	}

	cookie, err := h.sessions.Create(c.Context(), session.State{UserID: u.ID, FlowState: authstate.Complete})
	if err != nil {
		h.log.Error().Err(err).Msg("create recovery session failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	h.setSessionCookie(c, cookie)

	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// RegenerateBackupCodes handles POST /api/v1/auth/backup-codes/regenerate,
// allowed only when at most one unused code remains.
func (h *AuthHandler) RegenerateBackupCodes(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)
	codes, err := h.backupCodes.Regenerate(c.Context(), principal.UserID)
	if err != nil {
		return h.mapFlowError(c, err)
	}
	return httputil.Success(c, fiber.Map{"backup_codes": codes})
}

// BeginCredentialEnrollment handles POST /api/v1/auth/credential/enroll/begin.
func (h *AuthHandler) BeginCredentialEnrollment(c fiber.Ctx) error {
	_, state := h.flowState(c)
	if state == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NotAuthenticated, "No enrollment session")
	}
	if state.FlowState != authstate.AwaitingCredentialEnrollment && state.FlowState != authstate.OTPVerified && state.FlowState != authstate.Complete {
		return httputil.Fail(c, fiber.StatusConflict, apierrors.StateMismatch, "Credential enrollment is not available at this point")
	}

	u, err := h.users.GetByID(c.Context(), state.UserID)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	creation, ceremonyID, err := h.flow.BeginCredentialEnrollment(c.Context(), u.ID, u.Address)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	return httputil.Success(c, fiber.Map{"ceremony_id": ceremonyID, "options": creation})
}

// FinishCredentialEnrollment handles POST /api/v1/auth/credential/enroll/finish.
// For a first credential the response carries the freshly minted device,
// HMAC session secret, and refresh token.
func (h *AuthHandler) FinishCredentialEnrollment(c fiber.Ctx) error {
	cookie, state := h.flowState(c)
	if state == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NotAuthenticated, "No enrollment session")
	}

	var body struct {
		CeremonyID   string          `json:"ceremony_id"`
		ClientHandle string          `json:"client_handle"`
		Response     json.RawMessage `json:"response"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}
	if body.CeremonyID == "" || body.ClientHandle == "" || len(body.Response) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "ceremony_id, client_handle, and response are required")
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body.Response))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CredentialInvalid, "Malformed attestation response")
	}

	u, err := h.users.GetByID(c.Context(), state.UserID)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	result, err := h.flow.EnrollCredential(c.Context(), u.ID, u.Address, body.CeremonyID, parsed, body.ClientHandle, h.sighting(c))
	if err != nil {
		return h.mapFlowError(c, err)
	}

	state.FlowState = authstate.AwaitingProfile
	if result.Device != nil {
		state.ClientHandle = result.Device.ClientHandle
		state.DeviceID = result.Device.DeviceID
	}
	if err := h.sessions.Extend(c.Context(), cookie, *state); err != nil {
		h.log.Error().Err(err).Msg("advance enrollment session failed")
	}

	h.notifier.NotifyUser(c.Context(), u.ID, mail.KindUpdate,
		"A new passkey was added to your account",
		"A new sign-in credential was just registered. If this was not you, remove it immediately.\n")

	resp := fiber.Map{"first_credential": result.FirstCredential}
	if result.FirstCredential && result.Device != nil {
		resp["device_id"] = result.Device.DeviceID
		resp["hmac_secret"] = result.HMACSecret
		resp["refresh_token"] = result.RefreshToken
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, resp)
}

// BeginCredentialAssertion handles POST /api/v1/auth/credential/assert/begin.
func (h *AuthHandler) BeginCredentialAssertion(c fiber.Ctx) error {
	var body struct {
		Address string `json:"address"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	u, err := h.users.GetByAddress(c.Context(), body.Address)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.UserNotFound, "Unknown address")
		}
		h.log.Error().Err(err).Msg("assertion user lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if !u.Verified {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.AccountUnverified, "Address is not verified")
	}

	assertion, ceremonyID, err := h.flow.BeginCredentialAssertion(c.Context(), u.ID, u.Address)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	return httputil.Success(c, fiber.Map{"ceremony_id": ceremonyID, "options": assertion})
}

// FinishCredentialAssertion handles POST /api/v1/auth/credential/assert/finish:
// completes a login, minting a browser session plus the native-client HMAC
// credentials.
func (h *AuthHandler) FinishCredentialAssertion(c fiber.Ctx) error {
	var body struct {
		Address             string          `json:"address"`
		CeremonyID          string          `json:"ceremony_id"`
		ClientHandle        string          `json:"client_handle"`
		FromEmbeddedBrowser bool            `json:"from_embedded_browser"`
		CSRFState           *string         `json:"csrf_state"`
		Response            json.RawMessage `json:"response"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}
	if body.CeremonyID == "" || body.ClientHandle == "" || len(body.Response) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "ceremony_id, client_handle, and response are required")
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body.Response))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CredentialInvalid, "Malformed assertion response")
	}

	cookie, cookieState := h.flowState(c)

	var csrfHolder *session.State
	if cookieState != nil {
		csrfHolder = cookieState
	}

	result, err := h.flow.AssertCredential(
		c.Context(), body.Address, body.CeremonyID, parsed,
		body.FromEmbeddedBrowser, csrfHolder, body.CSRFState,
		body.ClientHandle, h.sighting(c),
	)
	if cookieState != nil && cookie != "" {
		// Persist CSRF consumption whether or not the assertion succeeded.
		if extendErr := h.sessions.Extend(c.Context(), cookie, *cookieState); extendErr != nil {
			h.log.Error().Err(extendErr).Msg("persist csrf consumption failed")
		}
	}
	if err != nil {
		return h.mapFlowError(c, err)
	}

	newCookie, err := h.sessions.Create(c.Context(), session.State{
		UserID:       result.UserID,
		ClientHandle: result.Device.ClientHandle,
		DeviceID:     result.Device.DeviceID,
		FlowState:    authstate.Complete,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("create login session failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	h.setSessionCookie(c, newCookie)

	return httputil.Success(c, fiber.Map{
		"user_id":       result.UserID,
		"device_id":     result.Device.DeviceID,
		"hmac_secret":   result.HMACSecret,
		"refresh_token": result.RefreshToken,
	})
}

// IssueCSRFState handles GET /api/v1/auth/csrf: mints the one-time value an
// embedded-browser assertion must echo back.
func (h *AuthHandler) IssueCSRFState(c fiber.Ctx) error {
	cookie, state := h.flowState(c)
	if state == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NotAuthenticated, "No session")
	}

	token, err := h.flow.IssueCSRFState(state)
	if err != nil {
		h.log.Error().Err(err).Msg("mint csrf state failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if err := h.sessions.Extend(c.Context(), cookie, *state); err != nil {
		h.log.Error().Err(err).Msg("store csrf state failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"csrf_state": token})
}

// MintMagicLink handles POST /api/v1/auth/magiclink: mints a single-use
// hand-off link for the authenticated user.
func (h *AuthHandler) MintMagicLink(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	u, err := h.users.GetByID(c.Context(), principal.UserID)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	link, err := h.magicLinks.Mint(u.Address, u.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("mint magic link failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"link": link})
}

// VerifyMagicLink handles POST /api/v1/auth/magiclink/verify: one-shot
// consumption of a hand-off link, yielding a browser session.
func (h *AuthHandler) VerifyMagicLink(c fiber.Ctx) error {
	var body struct {
		Link string `json:"link"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	_, userID, err := h.magicLinks.Verify(body.Link)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	cookie, err := h.sessions.Create(c.Context(), session.State{UserID: userID, FlowState: authstate.Complete})
	if err != nil {
		h.log.Error().Err(err).Msg("create magic link session failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	h.setSessionCookie(c, cookie)

	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// RedeemRefreshToken handles POST /api/v1/auth/refresh: single-use rotation
// of a long-lived refresh token.
func (h *AuthHandler) RedeemRefreshToken(c fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	newToken, _, err := h.refreshTokens.Redeem(c.Context(), body.RefreshToken)
	if err != nil {
		return h.mapFlowError(c, err)
	}

	return httputil.Success(c, fiber.Map{"refresh_token": newToken})
}

// RefreshSession handles POST /api/v1/session/refresh: extends the HMAC
// session of the signing device. The HMAC guard itself gates this route.
func (h *AuthHandler) RefreshSession(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)
	if principal.Method != MethodHMAC {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Session refresh is a native-client operation")
	}

	if err := h.hmacSessions.Extend(c.Context(), principal.ClientHandle, h.hmacSessionTTL); err != nil {
		if errors.Is(err, hmacsession.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.NoSession, "No session for this client")
		}
		h.log.Error().Err(err).Msg("extend hmac session failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{
		"expires_at": time.Now().Add(h.hmacSessionTTL).UTC().Format(time.RFC3339),
	})
}

// Logout handles POST /api/v1/auth/logout, tearing down whichever session
// kind authenticated the request.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	switch principal.Method {
	case MethodCookie:
		if cookie, _ := c.Locals("sessionCookie").(string); cookie != "" {
			if err := h.sessions.Destroy(c.Context(), cookie); err != nil {
				h.log.Error().Err(err).Msg("destroy cookie session failed")
			}
		}
		h.clearSessionCookie(c)
	case MethodHMAC:
		if err := h.hmacSessions.Delete(c.Context(), principal.ClientHandle); err != nil {
			h.log.Error().Err(err).Msg("delete hmac session failed")
		}
		if err := h.refreshTokens.RevokeChain(c.Context(), principal.ClientHandle); err != nil {
			h.log.Error().Err(err).Msg("revoke refresh chain failed")
		}
	}

	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// mapFlowError converts auth-flow errors to structured API responses.
func (h *AuthHandler) mapFlowError(c fiber.Ctx, err error) error {
	var tooSoon *otp.TooSoonError
	if errors.As(err, &tooSoon) {
		return httputil.Fail(c, fiber.StatusTooManyRequests, apierrors.CooldownActive,
			fmt.Sprintf("Please wait %d seconds", int(tooSoon.Wait.Seconds())))
	}
	var tooEarly *backupcode.TooEarlyError
	if errors.As(err, &tooEarly) {
		return httputil.Fail(c, fiber.StatusTooManyRequests, apierrors.TooEarly,
			fmt.Sprintf("Please wait %d seconds", int(tooEarly.Wait.Seconds())))
	}

	switch {
	case errors.Is(err, authstate.ErrInviteRequired):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.PolicyRefused, "An invitation is required to enroll")
	case errors.Is(err, authstate.ErrAddressPolicy):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.PolicyRefused, "This address is not permitted to enroll")
	case errors.Is(err, authstate.ErrBackupCodesAlreadyIssued):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.StateMismatch, "Backup codes were already issued")
	case errors.Is(err, authstate.ErrCSRFRequired), errors.Is(err, authstate.ErrCSRFMismatch):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.StateMismatch, "Embedded browser state is missing or does not match")
	case errors.Is(err, invite.ErrAlreadyUsed):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.PolicyRefused, "Invitation has already been used")
	case errors.Is(err, invite.ErrExpired):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.PolicyRefused, "Invitation has expired")
	case errors.Is(err, invite.ErrAddressMismatch):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.PolicyRefused, "Invitation is bound to a different address")
	case errors.Is(err, otp.ErrInvalidCode):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.OtpInvalid, "Invalid or expired code")
	case errors.Is(err, backupcode.ErrCodeInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.OtpInvalid, "Invalid recovery code")
	case errors.Is(err, backupcode.ErrNoCodesRemain):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.NoBackupCodes, "No backup codes are on file")
	case errors.Is(err, backupcode.ErrRegenerateBlocked):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.RegenerateNotAllowed, "Backup codes can be regenerated once at most one remains unused")
	case errors.Is(err, credential.ErrNoCeremony), errors.Is(err, credential.ErrCeremonyExpired):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.ChallengeMismatch, "Credential ceremony is unknown or expired")
	case errors.Is(err, credential.ErrNoCredentials):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.NoCredentialsEnroled, "No credentials are enrolled for this account")
	case errors.Is(err, magiclink.ErrMalformed):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Malformed magic link")
	case errors.Is(err, magiclink.ErrBadHMAC):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenInvalid, "Magic link signature mismatch")
	case errors.Is(err, magiclink.ErrUnknown):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenRevoked, "Magic link already used or unknown")
	case errors.Is(err, magiclink.ErrExpired):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenExpired, "Magic link expired")
	case errors.Is(err, refresh.ErrTokenNotFound):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenInvalid, "Unknown or expired refresh token")
	case errors.Is(err, refresh.ErrChainCompromised):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.ChainCompromised, "Refresh token reuse detected; chain revoked")
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UserNotFound, "Unknown user")
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth flow error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
