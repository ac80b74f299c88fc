package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/channel"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/permission"
	"github.com/uncord-chat/signalcore/internal/role"
)

// RoleHandler serves role lifecycle and assignment endpoints.
type RoleHandler struct {
	roles    role.Repository
	channels channel.Repository
	pub      *permission.Publisher
	log      zerolog.Logger
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(roles role.Repository, channels channel.Repository, pub *permission.Publisher, logger zerolog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, channels: channels, pub: pub, log: logger}
}

type roleResponse struct {
	ID          uuid.UUID        `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Scope       permission.Scope `json:"scope"`
	Permissions []string         `json:"permissions"`
	Builtin     bool             `json:"builtin"`
}

func toRoleResponse(r *role.Role) roleResponse {
	return roleResponse{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Scope:       r.Scope,
		Permissions: r.Permissions.Names(),
		Builtin:     r.Builtin,
	}
}

func parsePermissionNames(names []string) (permission.Permission, bool) {
	var perms permission.Permission
	for _, name := range names {
		bit, ok := permission.ParseName(name)
		if !ok {
			return 0, false
		}
		perms = perms.Add(bit)
	}
	return perms, true
}

// Create handles POST /api/v1/roles, gated by the role.create permission.
func (h *RoleHandler) Create(c fiber.Ctx) error {
	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Scope       string   `json:"scope"`
		Permissions []string `json:"permissions"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	name, err := role.ValidateName(body.Name)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	scope := permission.Scope(body.Scope)
	if err := role.ValidateScope(scope); err != nil {
		return h.mapRoleError(c, err)
	}
	perms, ok := parsePermissionNames(body.Permissions)
	if !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Unknown permission name")
	}

	created, err := h.roles.Create(c.Context(), role.CreateParams{
		Name:        name,
		Description: body.Description,
		Scope:       scope,
		Permissions: perms,
	})
	if err != nil {
		return h.mapRoleError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toRoleResponse(created))
}

// List handles GET /api/v1/roles?scope=server|realtime_channel|signal_channel.
func (h *RoleHandler) List(c fiber.Ctx) error {
	scope := permission.Scope(c.Query("scope", string(permission.ScopeServer)))
	if err := role.ValidateScope(scope); err != nil {
		return h.mapRoleError(c, err)
	}

	roles, err := h.roles.ListByScope(c.Context(), scope)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	result := make([]roleResponse, 0, len(roles))
	for i := range roles {
		result = append(result, toRoleResponse(&roles[i]))
	}
	return httputil.Success(c, result)
}

// Update handles PATCH /api/v1/roles/:roleID, gated by role.edit. Builtin
// roles reject every update.
func (h *RoleHandler) Update(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid role id")
	}

	var body struct {
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		Permissions *[]string `json:"permissions"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	params := role.UpdateParams{Description: body.Description}
	if body.Name != nil {
		name, err := role.ValidateName(*body.Name)
		if err != nil {
			return h.mapRoleError(c, err)
		}
		params.Name = &name
	}
	if body.Permissions != nil {
		perms, ok := parsePermissionNames(*body.Permissions)
		if !ok {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Unknown permission name")
		}
		params.Permissions = &perms
	}

	updated, err := h.roles.Update(c.Context(), id, params)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	// A changed bitfield invalidates every cached resolution.
	if params.Permissions != nil {
		if err := h.pub.InvalidateAll(c.Context()); err != nil {
			h.log.Warn().Err(err).Msg("permission cache invalidation failed")
		}
	}

	return httputil.Success(c, toRoleResponse(updated))
}

// Delete handles DELETE /api/v1/roles/:roleID, gated by role.delete.
func (h *RoleHandler) Delete(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid role id")
	}

	if err := h.roles.Delete(c.Context(), id); err != nil {
		return h.mapRoleError(c, err)
	}

	if err := h.pub.InvalidateAll(c.Context()); err != nil {
		h.log.Warn().Err(err).Msg("permission cache invalidation failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// AssignServer handles PUT /api/v1/users/:userID/roles/:roleID, assigning a
// server-scoped role. Gated by role.assign.
func (h *RoleHandler) AssignServer(c fiber.Ctx) error {
	userID, roleID, err := parseUserRoleParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid user or role id")
	}

	r, err := h.roles.GetByID(c.Context(), roleID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if r.Scope != permission.ScopeServer {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Role is not server-scoped")
	}

	if err := h.roles.AssignServer(c.Context(), userID, roleID); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := h.pub.InvalidateUser(c.Context(), userID); err != nil {
		h.log.Warn().Err(err).Msg("permission cache invalidation failed")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"status": "assigned"})
}

// UnassignServer handles DELETE /api/v1/users/:userID/roles/:roleID.
func (h *RoleHandler) UnassignServer(c fiber.Ctx) error {
	userID, roleID, err := parseUserRoleParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid user or role id")
	}

	if err := h.roles.UnassignServer(c.Context(), userID, roleID); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := h.pub.InvalidateUser(c.Context(), userID); err != nil {
		h.log.Warn().Err(err).Msg("permission cache invalidation failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// AssignChannel handles PUT /api/v1/channels/:channelID/users/:userID/roles/:roleID.
// The role's scope must match the channel's kind.
func (h *RoleHandler) AssignChannel(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}
	userID, roleID, err := parseUserRoleParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid user or role id")
	}

	r, err := h.roles.GetByID(c.Context(), roleID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.ChannelNotFound, "Channel not found")
		}
		return h.mapRoleError(c, err)
	}
	if r.Scope != role.ScopeForChannelKind(ch.Kind) {
		return h.mapRoleError(c, role.ErrScopeMismatch)
	}

	if err := h.roles.AssignChannel(c.Context(), userID, roleID, channelID); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := h.pub.InvalidateUserChannel(c.Context(), userID, channelID); err != nil {
		h.log.Warn().Err(err).Msg("permission cache invalidation failed")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"status": "assigned"})
}

// UnassignChannel handles DELETE /api/v1/channels/:channelID/users/:userID/roles/:roleID.
func (h *RoleHandler) UnassignChannel(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}
	userID, roleID, err := parseUserRoleParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid user or role id")
	}

	if err := h.roles.UnassignChannel(c.Context(), userID, roleID, channelID); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := h.pub.InvalidateUserChannel(c.Context(), userID, channelID); err != nil {
		h.log.Warn().Err(err).Msg("permission cache invalidation failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func parseUserRoleParams(c fiber.Ctx) (uuid.UUID, uuid.UUID, error) {
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	roleID, err := uuid.Parse(c.Params("roleID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return userID, roleID, nil
}

func (h *RoleHandler) mapRoleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Role not found")
	case errors.Is(err, role.ErrNameLength), errors.Is(err, role.ErrInvalidScope), errors.Is(err, role.ErrInvalidPermissions):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, err.Error())
	case errors.Is(err, role.ErrBuiltinImmutable):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Forbidden, "Builtin roles cannot be edited or deleted")
	case errors.Is(err, role.ErrScopeMismatch):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Role scope does not match the channel kind")
	default:
		h.log.Error().Err(err).Str("handler", "role").Msg("unhandled role error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
