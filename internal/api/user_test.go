package api

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/mail"
	"github.com/uncord-chat/signalcore/internal/user"
)

func userApp(t *testing.T) (*fiber.App, *fakeUserRepo, *Principal) {
	t.Helper()
	users := newFakeUserRepo()
	u := users.add("me@x.test", true)
	principal := &Principal{UserID: u.ID, DeviceID: 1, ClientHandle: "handle-u", Method: MethodCookie}

	handler := NewUserHandler(users, mail.NewNotifier(nil, users, zerolog.Nop()), zerolog.Nop())
	app := fiber.New()
	app.Use(withPrincipal(principal))
	app.Get("/users/@me", handler.GetMe)
	app.Patch("/users/@me", handler.UpdateMe)
	app.Get("/users/@me/notifications", handler.GetNotificationPrefs)
	app.Put("/users/@me/notifications", handler.SetNotificationPrefs)
	return app, users, principal
}

func TestGetMe(t *testing.T) {
	t.Parallel()
	app, _, principal := userApp(t)

	resp := doJSON(t, app, http.MethodGet, "/users/@me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Data userResponse `json:"data"`
	}
	decodeEnvelope(t, resp, &out)
	if out.Data.ID != principal.UserID {
		t.Errorf("id = %v, want caller", out.Data.ID)
	}
	if out.Data.Address != "me@x.test" {
		t.Errorf("address = %q, want me@x.test", out.Data.Address)
	}
}

func TestUpdateMeHandles(t *testing.T) {
	t.Parallel()
	app, users, principal := userApp(t)

	resp := doJSON(t, app, http.MethodPatch, "/users/@me", fiber.Map{"display_handle": "Alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	u := users.users[principal.UserID]
	if u.DisplayHandle == nil || *u.DisplayHandle != "Alice" {
		t.Errorf("display handle = %v, want Alice", u.DisplayHandle)
	}
}

func TestUpdateMeProfileImageNormalized(t *testing.T) {
	t.Parallel()
	app, users, principal := userApp(t)

	// A 1024x1024 PNG must come back downsized and re-encoded.
	img := image.NewRGBA(image.Rect(0, 0, 1024, 1024))
	for i := range img.Pix {
		img.Pix[i] = byte(i)
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	resp := doJSON(t, app, http.MethodPatch, "/users/@me", fiber.Map{"profile_image": buf.Bytes()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	stored := users.users[principal.UserID].ProfileImage
	if len(stored) == 0 {
		t.Fatal("profile image not stored")
	}
	if len(stored) > user.MaxProfileImageBytes {
		t.Errorf("stored image = %d bytes, exceeds cap", len(stored))
	}

	decoded, _, err := image.Decode(bytes.NewReader(stored))
	if err != nil {
		t.Fatalf("stored image does not decode: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() > 512 || bounds.Dy() > 512 {
		t.Errorf("stored image %dx%d, want longest edge <= 512", bounds.Dx(), bounds.Dy())
	}
}

func TestUpdateMeRejectsNonImage(t *testing.T) {
	t.Parallel()
	app, _, _ := userApp(t)

	resp := doJSON(t, app, http.MethodPatch, "/users/@me", fiber.Map{"profile_image": []byte("not an image")})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestNotificationPrefsRoundTrip(t *testing.T) {
	t.Parallel()
	app, _, _ := userApp(t)

	resp := doJSON(t, app, http.MethodGet, "/users/@me/notifications", nil)
	var out struct {
		Data user.NotificationPrefs `json:"data"`
	}
	decodeEnvelope(t, resp, &out)
	if !out.Data.InviteEmail {
		t.Error("default invite_email_enabled = false, want true")
	}

	out.Data.InviteEmail = false
	out.Data.SelfInviteEmail = true
	resp = doJSON(t, app, http.MethodPut, "/users/@me/notifications", out.Data)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/users/@me/notifications", nil)
	decodeEnvelope(t, resp, &out)
	if out.Data.InviteEmail || !out.Data.SelfInviteEmail {
		t.Errorf("prefs after update = %+v, want invite off and self-invite on", out.Data)
	}
}
