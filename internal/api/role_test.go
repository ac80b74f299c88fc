package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/channel"
	"github.com/uncord-chat/signalcore/internal/permission"
	"github.com/uncord-chat/signalcore/internal/role"
)

// memRoleRepo is an in-memory role.Repository.
type memRoleRepo struct {
	roles          map[uuid.UUID]*role.Role
	serverAssigned map[uuid.UUID][]uuid.UUID
}

func newMemRoleRepo() *memRoleRepo {
	return &memRoleRepo{roles: make(map[uuid.UUID]*role.Role), serverAssigned: make(map[uuid.UUID][]uuid.UUID)}
}

func (r *memRoleRepo) Create(_ context.Context, params role.CreateParams) (*role.Role, error) {
	created := &role.Role{
		ID:          uuid.New(),
		Name:        params.Name,
		Description: params.Description,
		Scope:       params.Scope,
		Permissions: params.Permissions,
	}
	r.roles[created.ID] = created
	return created, nil
}

func (r *memRoleRepo) GetByID(_ context.Context, id uuid.UUID) (*role.Role, error) {
	got, ok := r.roles[id]
	if !ok {
		return nil, role.ErrNotFound
	}
	return got, nil
}

func (r *memRoleRepo) ListByScope(_ context.Context, scope permission.Scope) ([]role.Role, error) {
	var out []role.Role
	for _, got := range r.roles {
		if got.Scope == scope {
			out = append(out, *got)
		}
	}
	return out, nil
}

func (r *memRoleRepo) Update(_ context.Context, id uuid.UUID, params role.UpdateParams) (*role.Role, error) {
	got, ok := r.roles[id]
	if !ok {
		return nil, role.ErrNotFound
	}
	if got.Builtin {
		return nil, role.ErrBuiltinImmutable
	}
	if params.Name != nil {
		got.Name = *params.Name
	}
	if params.Description != nil {
		got.Description = *params.Description
	}
	if params.Permissions != nil {
		got.Permissions = *params.Permissions
	}
	return got, nil
}

func (r *memRoleRepo) Delete(_ context.Context, id uuid.UUID) error {
	got, ok := r.roles[id]
	if !ok {
		return role.ErrNotFound
	}
	if got.Builtin {
		return role.ErrBuiltinImmutable
	}
	delete(r.roles, id)
	return nil
}

func (r *memRoleRepo) AssignServer(_ context.Context, userID, roleID uuid.UUID) error {
	r.serverAssigned[userID] = append(r.serverAssigned[userID], roleID)
	return nil
}

func (r *memRoleRepo) UnassignServer(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (r *memRoleRepo) AssignChannel(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}
func (r *memRoleRepo) UnassignChannel(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}

func roleApp(t *testing.T, roles role.Repository, channels channel.Repository) *fiber.App {
	t.Helper()
	rdb := newTestRedis(t)
	handler := NewRoleHandler(roles, channels, permission.NewPublisher(rdb), zerolog.Nop())

	app := fiber.New()
	app.Use(withPrincipal(testPrincipal()))
	app.Post("/roles", handler.Create)
	app.Patch("/roles/:roleID", handler.Update)
	app.Delete("/roles/:roleID", handler.Delete)
	app.Put("/users/:userID/roles/:roleID", handler.AssignServer)
	app.Put("/channels/:channelID/users/:userID/roles/:roleID", handler.AssignChannel)
	return app
}

func TestCreateRoleParsesPermissionNames(t *testing.T) {
	t.Parallel()
	repo := newMemRoleRepo()
	app := roleApp(t, repo, newFakeChannelRepo())

	resp := doJSON(t, app, http.MethodPost, "/roles", fiber.Map{
		"name":        "moderator",
		"scope":       "server",
		"permissions": []string{"user.kick", "member.view"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var out struct {
		Data roleResponse `json:"data"`
	}
	decodeEnvelope(t, resp, &out)
	if len(out.Data.Permissions) != 2 {
		t.Errorf("permissions = %v, want two names round-tripped", out.Data.Permissions)
	}

	created, err := repo.GetByID(context.Background(), out.Data.ID)
	if err != nil {
		t.Fatalf("created role not stored: %v", err)
	}
	if !created.Permissions.Has(permission.UserKick) || !created.Permissions.Has(permission.MemberView) {
		t.Errorf("stored bitfield = %v, want user.kick|member.view", created.Permissions)
	}
}

func TestCreateRoleUnknownPermission(t *testing.T) {
	t.Parallel()
	app := roleApp(t, newMemRoleRepo(), newFakeChannelRepo())

	resp := doJSON(t, app, http.MethodPost, "/roles", fiber.Map{
		"name":        "bad",
		"scope":       "server",
		"permissions": []string{"no.such.permission"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestUpdateBuiltinRoleRefused(t *testing.T) {
	t.Parallel()
	repo := newMemRoleRepo()
	builtin := &role.Role{ID: uuid.New(), Name: "Owner", Scope: permission.ScopeServer, Builtin: true}
	repo.roles[builtin.ID] = builtin
	app := roleApp(t, repo, newFakeChannelRepo())

	resp := doJSON(t, app, http.MethodPatch, "/roles/"+builtin.ID.String(), fiber.Map{"name": "Renamed"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodDelete, "/roles/"+builtin.ID.String(), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete status = %d, want 409", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestAssignChannelRoleScopeMismatch(t *testing.T) {
	t.Parallel()
	repo := newMemRoleRepo()
	channels := newFakeChannelRepo()
	app := roleApp(t, repo, channels)

	// A realtime-scoped role cannot be assigned inside a signal channel.
	r, _ := repo.Create(context.Background(), role.CreateParams{
		Name: "speaker", Scope: permission.ScopeRealtimeChannel,
	})
	ch, _ := channels.Create(context.Background(), channel.CreateParams{
		Kind: channel.KindSignal, OwnerUserID: uuid.New(), Name: "text",
	})

	resp := doJSON(t, app, http.MethodPut,
		"/channels/"+ch.ID.String()+"/users/"+uuid.NewString()+"/roles/"+r.ID.String(), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestAssignServerRoleRejectsChannelScope(t *testing.T) {
	t.Parallel()
	repo := newMemRoleRepo()
	app := roleApp(t, repo, newFakeChannelRepo())

	r, _ := repo.Create(context.Background(), role.CreateParams{
		Name: "mod", Scope: permission.ScopeSignalChannel,
	})

	resp := doJSON(t, app, http.MethodPut,
		"/users/"+uuid.NewString()+"/roles/"+r.ID.String(), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
