package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/mail"
	"github.com/uncord-chat/signalcore/internal/user"
)

// UserHandler serves profile and notification-preference endpoints.
type UserHandler struct {
	users    user.Repository
	notifier *mail.Notifier
	log      zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, notifier *mail.Notifier, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, notifier: notifier, log: logger}
}

type userResponse struct {
	ID            uuid.UUID `json:"id"`
	Address       string    `json:"address"`
	Verified      bool      `json:"verified"`
	Active        bool      `json:"active"`
	DisplayHandle *string   `json:"display_handle,omitempty"`
	ShortHandle   *string   `json:"short_handle,omitempty"`
	HasImage      bool      `json:"has_image"`
}

func toUserResponse(u *user.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Address:       u.Address,
		Verified:      u.Verified,
		Active:        u.Active,
		DisplayHandle: u.DisplayHandle,
		ShortHandle:   u.ShortHandle,
		HasImage:      len(u.ProfileImage) > 0,
	}
}

// GetMe handles GET /api/v1/users/@me.
func (h *UserHandler) GetMe(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	u, err := h.users.GetByID(c.Context(), principal.UserID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, toUserResponse(u))
}

// UpdateMe handles PATCH /api/v1/users/@me: handles and the profile image.
// Uploaded images are decoded, downsized, and re-encoded before storage.
func (h *UserHandler) UpdateMe(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var body struct {
		DisplayHandle *string `json:"display_handle"`
		ShortHandle   *string `json:"short_handle"`
		ProfileImage  []byte  `json:"profile_image"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	update := user.ProfileUpdate{
		DisplayHandle: body.DisplayHandle,
		ShortHandle:   body.ShortHandle,
	}
	if len(body.ProfileImage) > 0 {
		normalized, err := user.NormalizeProfileImage(body.ProfileImage)
		if err != nil {
			switch {
			case errors.Is(err, user.ErrImageUndecoded):
				return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Profile image is not a decodable image")
			case errors.Is(err, user.ErrImageTooLarge):
				return httputil.Fail(c, fiber.StatusRequestEntityTooLarge, apierrors.MalformedInput, "Profile image is too large")
			default:
				h.log.Error().Err(err).Str("handler", "user").Msg("profile image processing failed")
				return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
			}
		}
		update.ProfileImage = normalized
	}

	u, err := h.users.UpdateProfile(c.Context(), principal.UserID, update)
	if err != nil {
		return h.mapUserError(c, err)
	}

	h.notifier.NotifyUser(c.Context(), principal.UserID, mail.KindUpdate,
		"Your profile was updated",
		"Your account profile was just changed. If this was not you, review your devices.\n")

	return httputil.Success(c, toUserResponse(u))
}

// GetNotificationPrefs handles GET /api/v1/users/@me/notifications.
func (h *UserHandler) GetNotificationPrefs(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	prefs, err := h.users.GetNotificationPrefs(c.Context(), principal.UserID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, prefs)
}

// SetNotificationPrefs handles PUT /api/v1/users/@me/notifications: the full
// matrix is replaced in one shot.
func (h *UserHandler) SetNotificationPrefs(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var prefs user.NotificationPrefs
	if err := c.Bind().Body(&prefs); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	if err := h.users.SetNotificationPrefs(c.Context(), principal.UserID, prefs); err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, prefs)
}

func (h *UserHandler) mapUserError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UserNotFound, "User not found")
	case errors.Is(err, user.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.MalformedInput, "Handle is already taken")
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled user error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
