package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/device"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/mail"
)

// DeviceHandler serves the per-user device registry endpoints.
type DeviceHandler struct {
	devices  *device.Registry
	notifier *mail.Notifier
	log      zerolog.Logger
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(devices *device.Registry, notifier *mail.Notifier, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, notifier: notifier, log: logger}
}

type deviceResponse struct {
	DeviceID     int    `json:"device_id"`
	ClientHandle string `json:"client_handle"`
	LastIP       string `json:"last_ip"`
	UserAgent    string `json:"user_agent"`
	Location     string `json:"location"`
	CreatedAt    string `json:"created_at"`
	LastSeenAt   string `json:"last_seen_at"`
}

// List handles GET /api/v1/devices: every device of the calling user.
func (h *DeviceHandler) List(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	devices, err := h.devices.ListByUser(c.Context(), principal.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "device").Msg("list devices failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	result := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		result = append(result, deviceResponse{
			DeviceID:     d.DeviceID,
			ClientHandle: d.ClientHandle,
			LastIP:       d.LastIP,
			UserAgent:    d.UserAgent,
			Location:     d.Location,
			CreatedAt:    d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			LastSeenAt:   d.LastSeenAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return httputil.Success(c, result)
}

// Remove handles DELETE /api/v1/devices/:deviceID. Removing the device the
// caller is authenticated from is refused; the user must act from another
// session.
func (h *DeviceHandler) Remove(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	deviceID, err := strconv.Atoi(c.Params("deviceID"))
	if err != nil || deviceID < 1 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid device id")
	}

	if err := h.devices.Remove(c.Context(), principal.UserID, deviceID, principal.DeviceID); err != nil {
		switch {
		case errors.Is(err, device.ErrCurrentDeviceRefused):
			return httputil.Fail(c, fiber.StatusConflict, apierrors.CurrentDeviceRefused, "Cannot remove the current device")
		case errors.Is(err, device.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.DeviceNotFound, "Device not found")
		default:
			h.log.Error().Err(err).Str("handler", "device").Msg("remove device failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
		}
	}

	h.notifier.NotifyUser(c.Context(), principal.UserID, mail.KindCancel,
		"A device was removed from your account",
		"One of your registered devices was removed. Its message keys and sessions are gone.\n")

	return c.SendStatus(fiber.StatusNoContent)
}
