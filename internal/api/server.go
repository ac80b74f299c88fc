package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/server"
)

// ServerHandler serves the server-profile endpoints.
type ServerHandler struct {
	servers server.Repository
	log     zerolog.Logger
}

// NewServerHandler creates a new server handler.
func NewServerHandler(servers server.Repository, logger zerolog.Logger) *ServerHandler {
	return &ServerHandler{servers: servers, log: logger}
}

// GetPublicInfo handles GET /api/v1/server/info (unauthenticated): the
// name and description shown on the enrollment page.
func (h *ServerHandler) GetPublicInfo(c fiber.Ctx) error {
	profile, err := h.servers.Get(c.Context())
	if err != nil {
		return h.mapServerError(c, err)
	}

	return httputil.Success(c, fiber.Map{
		"name":        profile.Name,
		"description": profile.Description,
	})
}

// Update handles PATCH /api/v1/server, gated by the server.manage
// permission.
func (h *ServerHandler) Update(c fiber.Ctx) error {
	var body struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	if err := server.ValidateName(body.Name); err != nil {
		return h.mapServerError(c, err)
	}
	if err := server.ValidateDescription(body.Description); err != nil {
		return h.mapServerError(c, err)
	}

	profile, err := h.servers.Update(c.Context(), server.UpdateParams{
		Name:        body.Name,
		Description: body.Description,
	})
	if err != nil {
		return h.mapServerError(c, err)
	}

	return httputil.Success(c, fiber.Map{
		"name":        profile.Name,
		"description": profile.Description,
	})
}

func (h *ServerHandler) mapServerError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, server.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Server profile not found")
	case errors.Is(err, server.ErrNameLength), errors.Is(err, server.ErrDescriptionLength):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "server").Msg("unhandled server profile error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
