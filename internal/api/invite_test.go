package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/mail"
)

func inviteApp(t *testing.T) (*fiber.App, *fakeInviteRepo, *fakeUserRepo, *Principal) {
	t.Helper()
	invites := newFakeInviteRepo()
	users := newFakeUserRepo()
	inviter := users.add("inviter@x.test", true)
	principal := &Principal{UserID: inviter.ID, DeviceID: 1, ClientHandle: "handle-i", Method: MethodHMAC}

	handler := NewInviteHandler(invites, users, mail.NewNotifier(nil, users, zerolog.Nop()), "testserver", zerolog.Nop())
	app := fiber.New()
	app.Use(withPrincipal(principal))
	app.Post("/invites", handler.Create)
	app.Get("/invites/:token", handler.Get)
	app.Delete("/invites/:token", handler.Delete)
	return app, invites, users, principal
}

func TestCreateInviteUnbound(t *testing.T) {
	t.Parallel()
	app, invites, _, principal := inviteApp(t)

	resp := doJSON(t, app, http.MethodPost, "/invites", fiber.Map{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var out struct {
		Data inviteResponse `json:"data"`
	}
	decodeEnvelope(t, resp, &out)
	if out.Data.Token == "" {
		t.Fatal("no token returned")
	}
	stored := invites.invites[out.Data.Token]
	if stored == nil {
		t.Fatal("invite not persisted")
	}
	if stored.InvitedBy != principal.UserID {
		t.Errorf("invited_by = %v, want caller", stored.InvitedBy)
	}
	if stored.Address != nil {
		t.Errorf("address = %v, want unbound", stored.Address)
	}
}

func TestGetInviteStates(t *testing.T) {
	t.Parallel()
	app, invites, _, _ := inviteApp(t)

	// Live invite is returned.
	resp := doJSON(t, app, http.MethodPost, "/invites", fiber.Map{})
	var out struct {
		Data inviteResponse `json:"data"`
	}
	decodeEnvelope(t, resp, &out)

	resp = doJSON(t, app, http.MethodGet, "/invites/"+out.Data.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live invite status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Used invite is gone.
	now := time.Now()
	invites.invites[out.Data.Token].UsedAt = &now
	resp = doJSON(t, app, http.MethodGet, "/invites/"+out.Data.Token, nil)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("used invite status = %d, want 410", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Expired invite is gone.
	resp = doJSON(t, app, http.MethodPost, "/invites", fiber.Map{})
	decodeEnvelope(t, resp, &out)
	invites.invites[out.Data.Token].ExpiresAt = time.Now().Add(-time.Minute)
	resp = doJSON(t, app, http.MethodGet, "/invites/"+out.Data.Token, nil)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("expired invite status = %d, want 410", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Unknown token is a 404.
	resp = doJSON(t, app, http.MethodGet, "/invites/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown invite status = %d, want 404", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestDeleteInvite(t *testing.T) {
	t.Parallel()
	app, invites, _, _ := inviteApp(t)

	resp := doJSON(t, app, http.MethodPost, "/invites", fiber.Map{})
	var out struct {
		Data inviteResponse `json:"data"`
	}
	decodeEnvelope(t, resp, &out)

	resp = doJSON(t, app, http.MethodDelete, "/invites/"+out.Data.Token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	if _, ok := invites.invites[out.Data.Token]; ok {
		t.Error("invite still present after delete")
	}
}
