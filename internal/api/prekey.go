package api

import (
	"encoding/base64"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/prekey"
)

// PreKeyHandler serves the per-device key-material endpoints: identity key,
// signed pre-keys, one-time pre-key pool, and bundle fetches.
type PreKeyHandler struct {
	prekeys *prekey.Store
	log     zerolog.Logger
}

// NewPreKeyHandler creates a new pre-key handler.
func NewPreKeyHandler(prekeys *prekey.Store, logger zerolog.Logger) *PreKeyHandler {
	return &PreKeyHandler{prekeys: prekeys, log: logger}
}

// PublishIdentity handles PUT /api/v1/keys/identity for the calling device.
func (h *PreKeyHandler) PublishIdentity(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var body struct {
		IdentityKey    []byte `json:"identity_key"`
		RegistrationID int64  `json:"registration_id"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}
	if len(body.IdentityKey) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "identity_key is required")
	}

	err := h.prekeys.PublishIdentity(c.Context(), principal.UserID, principal.DeviceID, body.IdentityKey, body.RegistrationID)
	if err != nil {
		if errors.Is(err, prekey.ErrDeviceNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.DeviceNotFound, "Device not found")
		}
		h.log.Error().Err(err).Str("handler", "prekey").Msg("publish identity failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// PublishSignedPreKey handles POST /api/v1/keys/signed for the calling device.
func (h *PreKeyHandler) PublishSignedPreKey(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var body struct {
		KeyID     int64  `json:"key_id"`
		PublicKey []byte `json:"public_key"`
		Signature []byte `json:"signature"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}
	if len(body.PublicKey) == 0 || len(body.Signature) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "public_key and signature are required")
	}

	err := h.prekeys.PublishSignedPreKey(c.Context(), principal.UserID, principal.DeviceID, body.KeyID, body.PublicKey, body.Signature)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "prekey").Msg("publish signed prekey failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// PublishPreKeysBulk handles POST /api/v1/keys/one-time for the calling
// device. A batch that outlives the soft deadline is acknowledged with 202
// while the write continues in order behind the serializer.
func (h *PreKeyHandler) PublishPreKeysBulk(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var body struct {
		PreKeys []struct {
			PreKeyID int64  `json:"prekey_id"`
			Blob     []byte `json:"blob"`
		} `json:"prekeys"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}
	if len(body.PreKeys) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "prekeys must not be empty")
	}

	keys := make([]prekey.OneTimePreKey, 0, len(body.PreKeys))
	for _, k := range body.PreKeys {
		if len(k.Blob) == 0 {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "every prekey needs a blob")
		}
		keys = append(keys, prekey.OneTimePreKey{PreKeyID: k.PreKeyID, Blob: k.Blob})
	}

	accepted, err := h.prekeys.PublishPreKeysBulk(c.Context(), principal.UserID, principal.DeviceID, keys)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "prekey").Msg("bulk prekey publish failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if accepted {
		return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"status": "accepted"})
	}

	return httputil.Success(c, fiber.Map{"status": "ok", "stored": len(keys)})
}

type signedPreKeyResponse struct {
	KeyID     int64  `json:"key_id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type oneTimePreKeyResponse struct {
	PreKeyID int64  `json:"prekey_id"`
	Blob     string `json:"blob"`
}

type bundleResponse struct {
	DeviceID       int                    `json:"device_id"`
	IdentityKey    string                 `json:"identity_key,omitempty"`
	RegistrationID int64                  `json:"registration_id"`
	SignedPreKey   *signedPreKeyResponse  `json:"signed_prekey,omitempty"`
	OneTimePreKey  *oneTimePreKeyResponse `json:"one_time_prekey"`
}

// FetchBundle handles GET /api/v1/keys/bundle/:userID: the pre-key bundles
// of every device of the target user plus the caller's own other devices.
// Each included one-time pre-key is destroyed before the response returns.
func (h *PreKeyHandler) FetchBundle(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	targetID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid user id")
	}

	bundles, err := h.prekeys.FetchBundle(c.Context(), targetID, principal.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "prekey").Msg("fetch bundle failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	result := make([]bundleResponse, 0, len(bundles))
	for _, b := range bundles {
		entry := bundleResponse{
			DeviceID:       b.DeviceID,
			IdentityKey:    base64.StdEncoding.EncodeToString(b.IdentityPK),
			RegistrationID: b.RegistrationID,
		}
		if b.NewestSignedKey != nil {
			entry.SignedPreKey = &signedPreKeyResponse{
				KeyID:     b.NewestSignedKey.KeyID,
				PublicKey: base64.StdEncoding.EncodeToString(b.NewestSignedKey.PublicKey),
				Signature: base64.StdEncoding.EncodeToString(b.NewestSignedKey.Signature),
			}
		}
		if b.OneTimePreKey != nil {
			entry.OneTimePreKey = &oneTimePreKeyResponse{
				PreKeyID: b.OneTimePreKey.PreKeyID,
				Blob:     base64.StdEncoding.EncodeToString(b.OneTimePreKey.Blob),
			}
		}
		result = append(result, entry)
	}

	return httputil.Success(c, result)
}

// Status handles GET /api/v1/keys/status for the calling device.
func (h *PreKeyHandler) Status(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	status, err := h.prekeys.Status(c.Context(), principal.UserID, principal.DeviceID)
	if err != nil {
		if errors.Is(err, prekey.ErrDeviceNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.DeviceNotFound, "Device not found")
		}
		h.log.Error().Err(err).Str("handler", "prekey").Msg("prekey status failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	resp := fiber.Map{
		"one_time_prekey_count": status.OneTimePreKeyCount,
	}
	if len(status.IdentityPK) > 0 {
		resp["identity_key"] = base64.StdEncoding.EncodeToString(status.IdentityPK)
	}
	if status.NewestSignedKeyID != nil {
		resp["newest_signed_prekey_id"] = *status.NewestSignedKeyID
	}
	return httputil.Success(c, resp)
}

// ValidateAndSync handles POST /api/v1/keys/sync: compares the client's
// claimed key state against the server's without mutating anything.
func (h *PreKeyHandler) ValidateAndSync(c fiber.Ctx) error {
	principal := CurrentPrincipal(c)

	var body struct {
		IdentityKey      []byte  `json:"identity_key"`
		SignedPreKeyID   int64   `json:"signed_prekey_id"`
		OneTimePreKeyIDs []int64 `json:"one_time_prekey_ids"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedInput, "Invalid request body")
	}

	diff, err := h.prekeys.ValidateAndSync(c.Context(), principal.UserID, principal.DeviceID, prekey.ClientState{
		IdentityPK:       body.IdentityKey,
		SignedPreKeyID:   body.SignedPreKeyID,
		OneTimePreKeyIDs: body.OneTimePreKeyIDs,
	})
	if err != nil {
		if errors.Is(err, prekey.ErrDeviceNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.DeviceNotFound, "Device not found")
		}
		h.log.Error().Err(err).Str("handler", "prekey").Msg("prekey sync failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	if diff.InSync() {
		return httputil.Success(c, fiber.Map{"status": "ok"})
	}
	return httputil.Success(c, fiber.Map{
		"status":                "diverged",
		"identity_mismatch":     diff.IdentityMismatch,
		"signed_prekey_missing": diff.SignedPreKeyMissing,
		"consumed_one_time_ids": diff.ConsumedOneTimeIDs,
	})
}
