package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/channel"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/media"
	"github.com/uncord-chat/signalcore/internal/member"
	"github.com/uncord-chat/signalcore/internal/user"
)

// MediaHandler mints room tokens and ICE configurations for the external
// realtime media service.
type MediaHandler struct {
	minter    *media.Minter
	revoker   *media.Revoker
	channels  channel.Repository
	members   member.Repository
	users     user.Repository
	sanitizer *bluemonday.Policy

	tokenTTL time.Duration
	stunURLs []string
	turnURLs []string

	log zerolog.Logger
}

// MediaHandlerConfig groups the token and ICE knobs for NewMediaHandler.
type MediaHandlerConfig struct {
	TokenTTL time.Duration
	STUNURLs []string
	TURNURLs []string
}

// NewMediaHandler creates a new media handler. Display labels embedded in
// tokens pass through a strict sanitizer so a client rendering them raw
// cannot be handed markup.
func NewMediaHandler(
	minter *media.Minter,
	revoker *media.Revoker,
	channels channel.Repository,
	members member.Repository,
	users user.Repository,
	cfg MediaHandlerConfig,
	logger zerolog.Logger,
) *MediaHandler {
	return &MediaHandler{
		minter:    minter,
		revoker:   revoker,
		channels:  channels,
		members:   members,
		users:     users,
		sanitizer: bluemonday.StrictPolicy(),
		tokenTTL:  cfg.TokenTTL,
		stunURLs:  cfg.STUNURLs,
		turnURLs:  cfg.TURNURLs,
		log:       logger,
	}
}

// MintRoomToken handles POST /api/v1/media/rooms/:channelID/token: a signed
// bearer token admitting the caller to the channel's realtime room.
func (h *MediaHandler) MintRoomToken(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.ChannelNotFound, "Channel not found")
		}
		h.log.Error().Err(err).Str("handler", "media").Msg("channel lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if ch.Kind != channel.KindRealtime {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Not a realtime channel")
	}

	isOwner := ch.OwnerUserID == principal.UserID
	if !isOwner {
		isMember, err := h.members.IsMember(c.Context(), channelID, principal.UserID)
		if err != nil {
			h.log.Error().Err(err).Str("handler", "media").Msg("membership check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
		}
		if !isMember {
			return httputil.Fail(c, fiber.StatusForbidden, apierrors.NotMember, "You are not a member of this channel")
		}
	}

	label := principal.UserID.String()
	if u, err := h.users.GetByID(c.Context(), principal.UserID); err == nil && u.DisplayHandle != nil {
		label = h.sanitizer.Sanitize(strings.TrimSpace(*u.DisplayHandle))
	}

	grant := media.Grant{
		Join:        true,
		Publish:     true,
		Subscribe:   true,
		PublishData: true,
		Admin:       isOwner,
	}

	token, err := h.minter.Mint(principal.UserID, label, channelID.String(), grant, h.tokenTTL)
	if err != nil {
		if errors.Is(err, media.ErrValidityTooLong) {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Requested validity exceeds the maximum")
		}
		h.log.Error().Err(err).Str("handler", "media").Msg("mint room token failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{
		"token":      token,
		"expires_at": time.Now().Add(h.tokenTTL).UTC().Format(time.RFC3339),
	})
}

// ICEConfig handles GET /api/v1/media/rooms/:channelID/ice: the relay
// credential set derived from the minter keys.
func (h *MediaHandler) ICEConfig(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	servers, err := h.minter.ICEConfig(h.stunURLs, h.turnURLs, channelID.String(), h.tokenTTL)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "media").Msg("build ice config failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"ice_servers": servers})
}

// VerifyToken handles POST /api/v1/media/token/verify: token introspection
// for the media service. With one_shot set, the token id is consumed so a
// second verification fails with TokenRevoked.
func (h *MediaHandler) VerifyToken(c fiber.Ctx) error {
	var body struct {
		Token   string `json:"token"`
		OneShot bool   `json:"one_shot"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	claims, err := h.minter.Validate(body.Token)
	if err != nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenInvalid, "Token is invalid or expired")
	}

	if body.OneShot {
		ttl := time.Until(claims.ExpiresAt.Time)
		if err := h.revoker.ConsumeOnce(c.Context(), claims.ID, ttl); err != nil {
			if errors.Is(err, media.ErrTokenRevoked) {
				return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenRevoked, "Token already consumed")
			}
			h.log.Error().Err(err).Str("handler", "media").Msg("token consumption failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
		}
	}

	return httputil.Success(c, fiber.Map{
		"subject":       claims.Subject,
		"room_id":       claims.RoomID,
		"display_label": claims.DisplayLabel,
		"grant":         claims.Grant,
	})
}
