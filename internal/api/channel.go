package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/channel"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/mail"
	"github.com/uncord-chat/signalcore/internal/member"
)

// ChannelHandler serves channel and channel-membership endpoints.
type ChannelHandler struct {
	channels channel.Repository
	members  member.Repository
	notifier *mail.Notifier
	log      zerolog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(channels channel.Repository, members member.Repository, notifier *mail.Notifier, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, members: members, notifier: notifier, log: logger}
}

type channelResponse struct {
	ID            uuid.UUID  `json:"id"`
	Kind          string     `json:"kind"`
	Private       bool       `json:"private"`
	OwnerUserID   uuid.UUID  `json:"owner_user_id"`
	DefaultRoleID *uuid.UUID `json:"default_role_id,omitempty"`
	Name          string     `json:"name"`
}

func toChannelResponse(ch *channel.Channel) channelResponse {
	return channelResponse{
		ID:            ch.ID,
		Kind:          ch.Kind,
		Private:       ch.Private,
		OwnerUserID:   ch.OwnerUserID,
		DefaultRoleID: ch.DefaultRoleID,
		Name:          ch.Name,
	}
}

// Create handles POST /api/v1/channels. The creator becomes the channel
// owner and an implicit member.
func (h *ChannelHandler) Create(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var body struct {
		Name    string `json:"name"`
		Kind    string `json:"kind"`
		Private bool   `json:"private"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	name, err := channel.ValidateName(body.Name)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if err := channel.ValidateKind(body.Kind); err != nil {
		return h.mapChannelError(c, err)
	}

	ch, err := h.channels.Create(c.Context(), channel.CreateParams{
		Kind:        body.Kind,
		Private:     body.Private,
		OwnerUserID: principal.UserID,
		Name:        name,
	})
	if err != nil {
		return h.mapChannelError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toChannelResponse(ch))
}

// Get handles GET /api/v1/channels/:channelID.
func (h *ChannelHandler) Get(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	ch, err := h.channels.GetByID(c.Context(), id)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, toChannelResponse(ch))
}

// List handles GET /api/v1/channels?kind=signal|realtime.
func (h *ChannelHandler) List(c fiber.Ctx) error {
	kind := c.Query("kind", channel.KindSignal)
	if err := channel.ValidateKind(kind); err != nil {
		return h.mapChannelError(c, err)
	}

	channels, err := h.channels.ListByKind(c.Context(), kind)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	result := make([]channelResponse, 0, len(channels))
	for i := range channels {
		result = append(result, toChannelResponse(&channels[i]))
	}
	return httputil.Success(c, result)
}

// Delete handles DELETE /api/v1/channels/:channelID. Gated by the
// channel.manage permission, which owners hold implicitly.
func (h *ChannelHandler) Delete(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	if err := h.channels.Delete(c.Context(), id); err != nil {
		return h.mapChannelError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Join handles POST /api/v1/channels/:channelID/join: self-service
// membership in a public channel. The channel owner is told someone joined,
// subject to their notification preferences.
func (h *ChannelHandler) Join(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if ch.Private {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, "This channel is private; ask a manager to add you")
	}

	if _, err := h.members.Add(c.Context(), channelID, principal.UserID); err != nil {
		return h.mapChannelError(c, err)
	}

	if ch.OwnerUserID != principal.UserID {
		h.notifier.NotifyUser(c.Context(), ch.OwnerUserID, mail.KindRSVPToOrganizer,
			"Someone joined your channel",
			"A member just joined \""+ch.Name+"\".\n")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"status": "joined"})
}

// AddMember handles PUT /api/v1/channels/:channelID/members/:userID, gated
// by the user.add permission.
func (h *ChannelHandler) AddMember(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid user id")
	}

	if _, err := h.members.Add(c.Context(), channelID, userID); err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"status": "added"})
}

// Leave handles POST /api/v1/channels/:channelID/leave. The owner cannot
// leave their own channel; they can delete it instead.
func (h *ChannelHandler) Leave(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if ch.OwnerUserID == principal.UserID {
		return httputil.Fail(c, fiber.StatusConflict, apierrors.OwnerCannotLeave, "The channel owner cannot leave")
	}

	if err := h.members.Remove(c.Context(), channelID, principal.UserID); err != nil {
		return h.mapChannelError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// KickMember handles DELETE /api/v1/channels/:channelID/members/:userID,
// gated by the user.kick permission.
func (h *ChannelHandler) KickMember(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid user id")
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if ch.OwnerUserID == userID {
		return httputil.Fail(c, fiber.StatusConflict, apierrors.OwnerCannotLeave, "The channel owner cannot be removed")
	}

	if err := h.members.Remove(c.Context(), channelID, userID); err != nil {
		return h.mapChannelError(c, err)
	}

	h.notifier.NotifyUser(c.Context(), userID, mail.KindCancel,
		"You were removed from a channel",
		"Your membership in \""+ch.Name+"\" was revoked.\n")

	return c.SendStatus(fiber.StatusNoContent)
}

// ListMembers handles GET /api/v1/channels/:channelID/members, gated by the
// member.view permission.
func (h *ChannelHandler) ListMembers(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	members, err := h.members.ListByChannel(c.Context(), channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	type memberResponse struct {
		UserID          uuid.UUID `json:"user_id"`
		PermissionLevel int       `json:"permission_level"`
	}
	result := make([]memberResponse, 0, len(members))
	for _, m := range members {
		result = append(result, memberResponse{UserID: m.UserID, PermissionLevel: m.PermissionLevel})
	}
	return httputil.Success(c, result)
}

func (h *ChannelHandler) mapChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.ChannelNotFound, "Channel not found")
	case errors.Is(err, channel.ErrNameLength), errors.Is(err, channel.ErrInvalidKind):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, err.Error())
	case errors.Is(err, member.ErrAlreadyMember):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.MalformedInput, "Already a member of this channel")
	case errors.Is(err, member.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotMember, "Not a member of this channel")
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("unhandled channel error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
