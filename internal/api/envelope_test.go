package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/envelope"
)

func envelopeApp(store envelope.Store, principal *Principal) *fiber.App {
	handler := NewEnvelopeHandler(store, zerolog.Nop())
	app := fiber.New()
	app.Use(withPrincipal(principal))
	app.Post("/channels/:channelID/envelopes", handler.SendGroup)
	app.Get("/channels/:channelID/envelopes", handler.ReadChannel)
	app.Post("/envelopes/direct", handler.SendDirect)
	app.Get("/envelopes/direct/:peerID", handler.ReadDirect)
	app.Get("/envelopes/channels", handler.ReadAllChannels)
	app.Delete("/envelopes/:messageID", handler.Delete)
	return app
}

func testPrincipal() *Principal {
	return &Principal{UserID: uuid.New(), DeviceID: 1, ClientHandle: "handle-t", Method: MethodHMAC}
}

func TestSendGroupPassesCallerIdentity(t *testing.T) {
	t.Parallel()

	store := &fakeEnvelopeStore{}
	principal := testPrincipal()
	app := envelopeApp(store, principal)

	channelID := uuid.New()
	messageID := uuid.New()
	resp := doJSON(t, app, http.MethodPost, "/channels/"+channelID.String()+"/envelopes", fiber.Map{
		"message_id":  messageID,
		"ciphertext":  []byte("XYZ"),
		"cipher_kind": 4,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	_ = resp.Body.Close()

	if store.lastGroup == nil {
		t.Fatal("SendGroup was not called")
	}
	got := store.lastGroup
	if got.ChannelID != channelID || got.MessageID != messageID {
		t.Errorf("routing = %+v, want channel %v message %v", got, channelID, messageID)
	}
	if got.SenderUserID != principal.UserID || got.SenderDeviceID != principal.DeviceID {
		t.Errorf("sender = %v/%d, want caller identity", got.SenderUserID, got.SenderDeviceID)
	}
	if got.CipherKind != 4 {
		t.Errorf("cipher_kind = %d, want 4 passed through uninterpreted", got.CipherKind)
	}
	if string(got.Payload) != "XYZ" {
		t.Errorf("payload = %q, want XYZ", got.Payload)
	}
}

func TestSendGroupNotMember(t *testing.T) {
	t.Parallel()

	store := &fakeEnvelopeStore{groupErr: envelope.ErrNotMember}
	app := envelopeApp(store, testPrincipal())

	resp := doJSON(t, app, http.MethodPost, "/channels/"+uuid.NewString()+"/envelopes", fiber.Map{
		"message_id": uuid.New(),
		"ciphertext": []byte("XYZ"),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "NOT_MEMBER" {
		t.Errorf("error code = %q, want NOT_MEMBER", code)
	}
}

func TestSendGroupUnknownChannel(t *testing.T) {
	t.Parallel()

	store := &fakeEnvelopeStore{groupErr: envelope.ErrChannelNotFound}
	app := envelopeApp(store, testPrincipal())

	resp := doJSON(t, app, http.MethodPost, "/channels/"+uuid.NewString()+"/envelopes", fiber.Map{
		"message_id": uuid.New(),
		"ciphertext": []byte("XYZ"),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "CHANNEL_NOT_FOUND" {
		t.Errorf("error code = %q, want CHANNEL_NOT_FOUND", code)
	}
}

func TestSendDirectValidatesTargets(t *testing.T) {
	t.Parallel()

	app := envelopeApp(&fakeEnvelopeStore{}, testPrincipal())

	resp := doJSON(t, app, http.MethodPost, "/envelopes/direct", fiber.Map{
		"message_id": uuid.New(),
		"targets": []fiber.Map{
			{"receiver_user_id": uuid.New(), "receiver_device_id": 0, "payload": []byte("x")},
		},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for device id 0", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestReadChannelReturnsRowsInOrder(t *testing.T) {
	t.Parallel()

	principal := testPrincipal()
	channelID := uuid.New()
	rows := []envelope.Envelope{
		{ID: 1, MessageID: uuid.New(), ReceiverUserID: principal.UserID, ReceiverDeviceID: 1, ChannelID: &channelID, Kind: envelope.KindChannel, CipherKind: 4, Payload: []byte("one"), CreatedAt: time.Now()},
		{ID: 2, MessageID: uuid.New(), ReceiverUserID: principal.UserID, ReceiverDeviceID: 1, ChannelID: &channelID, Kind: envelope.KindChannel, CipherKind: 4, Payload: []byte("two"), CreatedAt: time.Now()},
	}
	app := envelopeApp(&fakeEnvelopeStore{envelopes: rows}, principal)

	resp := doJSON(t, app, http.MethodGet, "/channels/"+channelID.String()+"/envelopes", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Data []envelopeResponse `json:"data"`
	}
	decodeEnvelope(t, resp, &out)
	if len(out.Data) != 2 {
		t.Fatalf("returned %d envelopes, want 2", len(out.Data))
	}
	if string(out.Data[0].Payload) != "one" || string(out.Data[1].Payload) != "two" {
		t.Errorf("rows out of insertion order: %+v", out.Data)
	}
	for _, e := range out.Data {
		if e.ReceiverUserID != principal.UserID || e.ReceiverDeviceID != principal.DeviceID {
			t.Errorf("envelope addressed to %v/%d, want caller device", e.ReceiverUserID, e.ReceiverDeviceID)
		}
	}
}

func TestDeleteEnvelopeUnauthorized(t *testing.T) {
	t.Parallel()

	store := &fakeEnvelopeStore{deleteErr: envelope.ErrNotAuthorized}
	app := envelopeApp(store, testPrincipal())

	resp := doJSON(t, app, http.MethodDelete, "/envelopes/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
