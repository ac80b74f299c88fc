package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/server"
)

type fakeServerRepo struct {
	profile *server.Profile
}

func (r *fakeServerRepo) Get(context.Context) (*server.Profile, error) {
	if r.profile == nil {
		return nil, server.ErrNotFound
	}
	return r.profile, nil
}

func (r *fakeServerRepo) Update(_ context.Context, params server.UpdateParams) (*server.Profile, error) {
	if r.profile == nil {
		return nil, server.ErrNotFound
	}
	if params.Name != nil {
		r.profile.Name = *params.Name
	}
	if params.Description != nil {
		r.profile.Description = *params.Description
	}
	r.profile.UpdatedAt = time.Now()
	return r.profile, nil
}

func serverApp(repo server.Repository) *fiber.App {
	handler := NewServerHandler(repo, zerolog.Nop())
	app := fiber.New()
	app.Get("/server/info", handler.GetPublicInfo)
	app.Patch("/server", handler.Update)
	return app
}

func TestGetPublicInfo(t *testing.T) {
	t.Parallel()
	app := serverApp(&fakeServerRepo{profile: &server.Profile{Name: "homebase", Description: "a quiet place", OwnerID: uuid.New()}})

	resp := doJSON(t, app, http.MethodGet, "/server/info", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Data struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"data"`
	}
	decodeEnvelope(t, resp, &out)
	if out.Data.Name != "homebase" {
		t.Errorf("name = %q, want homebase", out.Data.Name)
	}
}

func TestUpdateServerValidation(t *testing.T) {
	t.Parallel()
	app := serverApp(&fakeServerRepo{profile: &server.Profile{Name: "homebase"}})

	resp := doJSON(t, app, http.MethodPatch, "/server", fiber.Map{"name": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodPatch, "/server", fiber.Map{"name": "renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Data struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	decodeEnvelope(t, resp, &out)
	if out.Data.Name != "renamed" {
		t.Errorf("name = %q, want renamed", out.Data.Name)
	}
}
