package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/envelope"
	"github.com/uncord-chat/signalcore/internal/httputil"
)

// EnvelopeHandler serves the ciphertext store-and-forward endpoints: direct
// and group sends, per-device inbox reads, and deletes.
type EnvelopeHandler struct {
	envelopes envelope.Store
	log       zerolog.Logger
}

// NewEnvelopeHandler creates a new envelope handler.
func NewEnvelopeHandler(envelopes envelope.Store, logger zerolog.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{envelopes: envelopes, log: logger}
}

type envelopeResponse struct {
	MessageID        uuid.UUID  `json:"message_id"`
	SenderUserID     uuid.UUID  `json:"sender_user_id"`
	SenderDeviceID   int        `json:"sender_device_id"`
	ReceiverUserID   uuid.UUID  `json:"receiver_user_id"`
	ReceiverDeviceID int        `json:"receiver_device_id"`
	ChannelID        *uuid.UUID `json:"channel_id,omitempty"`
	Kind             string     `json:"kind"`
	CipherKind       int        `json:"cipher_kind"`
	Payload          []byte     `json:"payload"`
	CreatedAt        string     `json:"created_at"`
}

func toEnvelopeResponses(envelopes []envelope.Envelope) []envelopeResponse {
	result := make([]envelopeResponse, 0, len(envelopes))
	for _, e := range envelopes {
		result = append(result, envelopeResponse{
			MessageID:        e.MessageID,
			SenderUserID:     e.SenderUserID,
			SenderDeviceID:   e.SenderDeviceID,
			ReceiverUserID:   e.ReceiverUserID,
			ReceiverDeviceID: e.ReceiverDeviceID,
			ChannelID:        e.ChannelID,
			Kind:             e.Kind,
			CipherKind:       e.CipherKind,
			Payload:          e.Payload,
			CreatedAt:        e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return result
}

// SendDirect handles POST /api/v1/envelopes/direct: the caller has already
// encrypted per recipient device and submits the finished ciphertext list.
func (h *EnvelopeHandler) SendDirect(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var body struct {
		MessageID uuid.UUID `json:"message_id"`
		Targets   []struct {
			ReceiverUserID   uuid.UUID `json:"receiver_user_id"`
			ReceiverDeviceID int       `json:"receiver_device_id"`
			CipherKind       int       `json:"cipher_kind"`
			Payload          []byte    `json:"payload"`
		} `json:"targets"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}
	if body.MessageID == uuid.Nil || len(body.Targets) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "message_id and targets are required")
	}

	targets := make([]envelope.DirectTarget, 0, len(body.Targets))
	for _, t := range body.Targets {
		if t.ReceiverUserID == uuid.Nil || t.ReceiverDeviceID < 1 || len(t.Payload) == 0 {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "every target needs a receiver and payload")
		}
		targets = append(targets, envelope.DirectTarget{
			ReceiverUserID:   t.ReceiverUserID,
			ReceiverDeviceID: t.ReceiverDeviceID,
			CipherKind:       t.CipherKind,
			Payload:          t.Payload,
		})
	}

	err := h.envelopes.SendDirect(c.Context(), principal.UserID, principal.DeviceID, body.MessageID, targets)
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"status": "stored", "count": len(targets)})
}

// SendGroup handles POST /api/v1/channels/:channelID/envelopes: one logical
// ciphertext fanned out to every member device except the sender's own.
func (h *EnvelopeHandler) SendGroup(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	var body struct {
		MessageID  uuid.UUID `json:"message_id"`
		Ciphertext []byte    `json:"ciphertext"`
		CipherKind int       `json:"cipher_kind"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}
	if body.MessageID == uuid.Nil || len(body.Ciphertext) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "message_id and ciphertext are required")
	}

	err = h.envelopes.SendGroup(c.Context(), envelope.GroupSend{
		ChannelID:      channelID,
		MessageID:      body.MessageID,
		SenderUserID:   principal.UserID,
		SenderDeviceID: principal.DeviceID,
		CipherKind:     body.CipherKind,
		Payload:        body.Ciphertext,
	})
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"status": "stored"})
}

// ReadDirect handles GET /api/v1/envelopes/direct/:peerID: the caller
// device's direct-message inbox with one peer, in insertion order.
func (h *EnvelopeHandler) ReadDirect(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	peerID, err := uuid.Parse(c.Params("peerID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid peer id")
	}

	envelopes, err := h.envelopes.ReadDirect(c.Context(), principal.UserID, principal.DeviceID, peerID)
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return httputil.Success(c, toEnvelopeResponses(envelopes))
}

// ReadChannel handles GET /api/v1/channels/:channelID/envelopes.
func (h *EnvelopeHandler) ReadChannel(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid channel id")
	}

	envelopes, err := h.envelopes.ReadChannel(c.Context(), principal.UserID, principal.DeviceID, channelID)
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return httputil.Success(c, toEnvelopeResponses(envelopes))
}

// ReadAllChannels handles GET /api/v1/envelopes/channels: every channel
// envelope waiting for the caller device across its memberships.
func (h *EnvelopeHandler) ReadAllChannels(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	envelopes, err := h.envelopes.ReadAllChannels(c.Context(), principal.UserID, principal.DeviceID)
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return httputil.Success(c, toEnvelopeResponses(envelopes))
}

// Delete handles DELETE /api/v1/envelopes/:messageID. Optional query
// parameters narrow the scope: receiver_user + receiver_device deletes one
// envelope, receiver_device alone deletes that device's copies, neither
// deletes every copy of the message.
func (h *EnvelopeHandler) Delete(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	messageID, err := uuid.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid message id")
	}

	var scope envelope.DeleteScope
	if raw := c.Query("receiver_user"); raw != "" {
		receiverUser, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid receiver_user")
		}
		scope.ReceiverUserID = &receiverUser
	}
	if raw := c.Query("receiver_device"); raw != "" {
		receiverDevice := fiber.Query[int](c, "receiver_device")
		if receiverDevice < 1 {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid receiver_device")
		}
		scope.ReceiverDeviceID = &receiverDevice
	}

	if err := h.envelopes.Delete(c.Context(), principal.UserID, messageID, scope); err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *EnvelopeHandler) mapEnvelopeError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, envelope.ErrChannelNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.ChannelNotFound, "Channel not found")
	case errors.Is(err, envelope.ErrNotMember):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.NotMember, "You are not a member of this channel")
	case errors.Is(err, envelope.ErrNotAuthorized):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, "You are neither sender nor receiver of this message")
	default:
		h.log.Error().Err(err).Str("handler", "envelope").Msg("unhandled envelope error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
