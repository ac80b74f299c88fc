package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/invite"
	"github.com/uncord-chat/signalcore/internal/mail"
	"github.com/uncord-chat/signalcore/internal/user"
)

// InviteHandler serves invitation-token endpoints for invite-only
// enrollment.
type InviteHandler struct {
	invites    invite.Repository
	users      user.Repository
	notifier   *mail.Notifier
	serverName string
	log        zerolog.Logger
}

// NewInviteHandler creates a new invite handler.
func NewInviteHandler(invites invite.Repository, users user.Repository, notifier *mail.Notifier, serverName string, logger zerolog.Logger) *InviteHandler {
	return &InviteHandler{invites: invites, users: users, notifier: notifier, serverName: serverName, log: logger}
}

type inviteResponse struct {
	Token     string  `json:"token"`
	Address   *string `json:"address,omitempty"`
	ExpiresAt string  `json:"expires_at"`
	Used      bool    `json:"used"`
}

func toInviteResponse(inv *invite.Invite) inviteResponse {
	return inviteResponse{
		Token:     inv.Token,
		Address:   inv.Address,
		ExpiresAt: inv.ExpiresAt.UTC().Format(time.RFC3339),
		Used:      inv.Used(),
	}
}

// Create handles POST /api/v1/invites, gated by the user.add permission.
// An invite optionally bound to one address; bound invitations are mailed
// to that address, subject to the recipient's notification preferences when
// they already hold an account.
func (h *InviteHandler) Create(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var body struct {
		Address      *string `json:"address"`
		LifetimeDays int     `json:"lifetime_days"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	lifetime := invite.DefaultLifetime
	if body.LifetimeDays > 0 {
		lifetime = time.Duration(body.LifetimeDays) * 24 * time.Hour
	}

	inv, err := h.invites.Create(c.Context(), principal.UserID, body.Address, lifetime)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("create invite failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	if body.Address != nil {
		h.deliver(c, principal, *body.Address, inv.Token)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toInviteResponse(inv))
}

// deliver routes the invitation email through the right preference gate:
// self-invites and invites to existing accounts respect that account's
// flags, invites to fresh addresses go out unconditionally.
func (h *InviteHandler) deliver(c fiber.Ctx, principal *Principal, address, token string) {
	inviter, err := h.users.GetByID(c.Context(), principal.UserID)
	if err != nil {
		h.log.Warn().Err(err).Msg("invite sender lookup failed, skipping invitation mail")
		return
	}

	subject := "You are invited to " + h.serverName
	body := mail.InviteBody(h.serverName, inviter.Address, token)

	if strings.EqualFold(address, inviter.Address) {
		h.notifier.NotifyUser(c.Context(), inviter.ID, mail.KindSelfInvite, subject, body)
		return
	}

	if existing, err := h.users.GetByAddress(c.Context(), address); err == nil {
		h.notifier.NotifyUser(c.Context(), existing.ID, mail.KindInvite, subject, body)
		return
	}
	h.notifier.NotifyAddress(c.Context(), address, subject, body)
}

// Get handles GET /api/v1/invites/:token: public validity check used by the
// enrollment page before the address is submitted.
func (h *InviteHandler) Get(c fiber.Ctx) error {
	inv, err := h.invites.GetByToken(c.Context(), c.Params("token"))
	if err != nil {
		return h.mapInviteError(c, err)
	}
	if inv.Used() {
		return httputil.Fail(c, fiber.StatusGone, apierrors.PolicyRefused, "Invitation has already been used")
	}
	if inv.Expired(time.Now()) {
		return httputil.Fail(c, fiber.StatusGone, apierrors.PolicyRefused, "Invitation has expired")
	}
	return httputil.Success(c, toInviteResponse(inv))
}

// Delete handles DELETE /api/v1/invites/:token, gated by server.manage.
func (h *InviteHandler) Delete(c fiber.Ctx) error {
	if err := h.invites.Delete(c.Context(), c.Params("token")); err != nil {
		return h.mapInviteError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *InviteHandler) mapInviteError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Invitation not found")
	case errors.Is(err, invite.ErrExpired):
		return httputil.Fail(c, fiber.StatusGone, apierrors.PolicyRefused, "Invitation has expired")
	case errors.Is(err, invite.ErrAlreadyUsed):
		return httputil.Fail(c, fiber.StatusGone, apierrors.PolicyRefused, "Invitation has already been used")
	default:
		h.log.Error().Err(err).Str("handler", "invite").Msg("unhandled invite error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
