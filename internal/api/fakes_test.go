package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/channel"
	"github.com/uncord-chat/signalcore/internal/envelope"
	"github.com/uncord-chat/signalcore/internal/invite"
	"github.com/uncord-chat/signalcore/internal/member"
	"github.com/uncord-chat/signalcore/internal/user"
	"github.com/uncord-chat/signalcore/internal/writeserializer"
)

// fakeUserRepo is an in-memory user.Repository.
type fakeUserRepo struct {
	users map[uuid.UUID]*user.User
	prefs map[uuid.UUID]user.NotificationPrefs
	codes map[uuid.UUID][]byte
	creds map[uuid.UUID][]byte
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users: make(map[uuid.UUID]*user.User),
		prefs: make(map[uuid.UUID]user.NotificationPrefs),
		codes: make(map[uuid.UUID][]byte),
		creds: make(map[uuid.UUID][]byte),
	}
}

func (r *fakeUserRepo) add(address string, verified bool) *user.User {
	u := &user.User{ID: uuid.New(), Address: address, AddressLower: strings.ToLower(address), Verified: verified, Active: true}
	r.users[u.ID] = u
	r.prefs[u.ID] = user.DefaultNotificationPrefs()
	return u
}

func (r *fakeUserRepo) EnsureByAddress(_ context.Context, address string) (*user.User, error) {
	for _, u := range r.users {
		if strings.EqualFold(u.Address, address) {
			return u, nil
		}
	}
	return r.add(address, false), nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) GetByAddress(_ context.Context, address string) (*user.User, error) {
	for _, u := range r.users {
		if strings.EqualFold(u.Address, address) {
			return u, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) MarkVerified(_ context.Context, id uuid.UUID) error {
	u, ok := r.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.Verified = true
	return nil
}

func (r *fakeUserRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	u, ok := r.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.Active = active
	return nil
}

func (r *fakeUserRepo) IsActive(_ context.Context, id uuid.UUID) (bool, error) {
	u, ok := r.users[id]
	if !ok {
		return false, user.ErrNotFound
	}
	return u.Active, nil
}

func (r *fakeUserRepo) UpdateProfile(_ context.Context, id uuid.UUID, update user.ProfileUpdate) (*user.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	if update.DisplayHandle != nil {
		u.DisplayHandle = update.DisplayHandle
	}
	if update.ShortHandle != nil {
		u.ShortHandle = update.ShortHandle
	}
	if len(update.ProfileImage) > 0 {
		u.ProfileImage = update.ProfileImage
	}
	return u, nil
}

func (r *fakeUserRepo) GetBackupCodes(_ context.Context, id uuid.UUID) ([]byte, error) {
	return r.codes[id], nil
}

func (r *fakeUserRepo) ReplaceBackupCodes(_ context.Context, id uuid.UUID, raw []byte) error {
	r.codes[id] = raw
	return nil
}

func (r *fakeUserRepo) GetCredentials(_ context.Context, id uuid.UUID) ([]byte, error) {
	return r.creds[id], nil
}

func (r *fakeUserRepo) ReplaceCredentials(_ context.Context, id uuid.UUID, raw []byte) error {
	r.creds[id] = raw
	return nil
}

func (r *fakeUserRepo) GetNotificationPrefs(_ context.Context, id uuid.UUID) (user.NotificationPrefs, error) {
	if _, ok := r.users[id]; !ok {
		return user.NotificationPrefs{}, user.ErrNotFound
	}
	return r.prefs[id], nil
}

func (r *fakeUserRepo) SetNotificationPrefs(_ context.Context, id uuid.UUID, prefs user.NotificationPrefs) error {
	if _, ok := r.users[id]; !ok {
		return user.ErrNotFound
	}
	r.prefs[id] = prefs
	return nil
}

// fakeChannelRepo is an in-memory channel.Repository.
type fakeChannelRepo struct {
	channels map[uuid.UUID]*channel.Channel
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{channels: make(map[uuid.UUID]*channel.Channel)}
}

func (r *fakeChannelRepo) Create(_ context.Context, params channel.CreateParams) (*channel.Channel, error) {
	ch := &channel.Channel{
		ID:          uuid.New(),
		Kind:        params.Kind,
		Private:     params.Private,
		OwnerUserID: params.OwnerUserID,
		Name:        params.Name,
	}
	r.channels[ch.ID] = ch
	return ch, nil
}

func (r *fakeChannelRepo) GetByID(_ context.Context, id uuid.UUID) (*channel.Channel, error) {
	ch, ok := r.channels[id]
	if !ok {
		return nil, channel.ErrNotFound
	}
	return ch, nil
}

func (r *fakeChannelRepo) ListByKind(_ context.Context, kind string) ([]channel.Channel, error) {
	var out []channel.Channel
	for _, ch := range r.channels {
		if ch.Kind == kind {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (r *fakeChannelRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := r.channels[id]; !ok {
		return channel.ErrNotFound
	}
	delete(r.channels, id)
	return nil
}

// fakeMemberRepo is an in-memory member.Repository.
type fakeMemberRepo struct {
	members map[uuid.UUID]map[uuid.UUID]*member.Member
}

func newFakeMemberRepo() *fakeMemberRepo {
	return &fakeMemberRepo{members: make(map[uuid.UUID]map[uuid.UUID]*member.Member)}
}

func (r *fakeMemberRepo) Add(_ context.Context, channelID, userID uuid.UUID) (*member.Member, error) {
	if r.members[channelID] == nil {
		r.members[channelID] = make(map[uuid.UUID]*member.Member)
	}
	if _, ok := r.members[channelID][userID]; ok {
		return nil, member.ErrAlreadyMember
	}
	m := &member.Member{ChannelID: channelID, UserID: userID}
	r.members[channelID][userID] = m
	return m, nil
}

func (r *fakeMemberRepo) Remove(_ context.Context, channelID, userID uuid.UUID) error {
	if _, ok := r.members[channelID][userID]; !ok {
		return member.ErrNotFound
	}
	delete(r.members[channelID], userID)
	return nil
}

func (r *fakeMemberRepo) Get(_ context.Context, channelID, userID uuid.UUID) (*member.Member, error) {
	m, ok := r.members[channelID][userID]
	if !ok {
		return nil, member.ErrNotFound
	}
	return m, nil
}

func (r *fakeMemberRepo) IsMember(_ context.Context, channelID, userID uuid.UUID) (bool, error) {
	_, ok := r.members[channelID][userID]
	return ok, nil
}

func (r *fakeMemberRepo) ListByChannel(_ context.Context, channelID uuid.UUID) ([]member.Member, error) {
	var out []member.Member
	for _, m := range r.members[channelID] {
		out = append(out, *m)
	}
	return out, nil
}

func (r *fakeMemberRepo) ListChannelIDsForUser(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for channelID, members := range r.members {
		if _, ok := members[userID]; ok {
			out = append(out, channelID)
		}
	}
	return out, nil
}

func (r *fakeMemberRepo) SetPermissionLevel(_ context.Context, channelID, userID uuid.UUID, level int) error {
	m, ok := r.members[channelID][userID]
	if !ok {
		return member.ErrNotFound
	}
	m.PermissionLevel = level
	return nil
}

// fakeInviteRepo is an in-memory invite.Repository.
type fakeInviteRepo struct {
	invites map[string]*invite.Invite
}

func newFakeInviteRepo() *fakeInviteRepo {
	return &fakeInviteRepo{invites: make(map[string]*invite.Invite)}
}

func (r *fakeInviteRepo) Create(_ context.Context, invitedBy uuid.UUID, address *string, lifetime time.Duration) (*invite.Invite, error) {
	token, err := invite.GenerateToken()
	if err != nil {
		return nil, err
	}
	inv := &invite.Invite{Token: token, Address: address, InvitedBy: invitedBy, ExpiresAt: time.Now().Add(lifetime)}
	r.invites[token] = inv
	return inv, nil
}

func (r *fakeInviteRepo) GetByToken(_ context.Context, token string) (*invite.Invite, error) {
	inv, ok := r.invites[token]
	if !ok {
		return nil, invite.ErrNotFound
	}
	return inv, nil
}

func (r *fakeInviteRepo) Consume(_ context.Context, token, address string) (*invite.Invite, error) {
	inv, ok := r.invites[token]
	if !ok {
		return nil, invite.ErrNotFound
	}
	if inv.Used() {
		return nil, invite.ErrAlreadyUsed
	}
	now := time.Now()
	inv.UsedAt = &now
	return inv, nil
}

func (r *fakeInviteRepo) Delete(_ context.Context, token string) error {
	if _, ok := r.invites[token]; !ok {
		return invite.ErrNotFound
	}
	delete(r.invites, token)
	return nil
}

// fakeEnvelopeStore records calls and serves canned responses.
type fakeEnvelopeStore struct {
	groupErr  error
	directErr error
	deleteErr error
	envelopes []envelope.Envelope
	lastGroup *envelope.GroupSend
}

func (s *fakeEnvelopeStore) SendDirect(_ context.Context, _ uuid.UUID, _ int, _ uuid.UUID, _ []envelope.DirectTarget) error {
	return s.directErr
}

func (s *fakeEnvelopeStore) SendGroup(_ context.Context, send envelope.GroupSend) error {
	s.lastGroup = &send
	return s.groupErr
}

func (s *fakeEnvelopeStore) ReadDirect(_ context.Context, _ uuid.UUID, _ int, _ uuid.UUID) ([]envelope.Envelope, error) {
	return s.envelopes, nil
}

func (s *fakeEnvelopeStore) ReadChannel(_ context.Context, _ uuid.UUID, _ int, _ uuid.UUID) ([]envelope.Envelope, error) {
	return s.envelopes, nil
}

func (s *fakeEnvelopeStore) ReadAllChannels(_ context.Context, _ uuid.UUID, _ int) ([]envelope.Envelope, error) {
	return s.envelopes, nil
}

func (s *fakeEnvelopeStore) Delete(_ context.Context, _ uuid.UUID, _ uuid.UUID, _ envelope.DeleteScope) error {
	return s.deleteErr
}

// withPrincipal injects an authenticated principal, standing in for the
// dual-mode guard in handler tests.
func withPrincipal(p *Principal) fiber.Handler {
	return func(c fiber.Ctx) error {
		setPrincipal(c, p)
		return c.Next()
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTestSerializer(t *testing.T) *writeserializer.Serializer {
	t.Helper()
	s := writeserializer.New(16, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	_ = resp.Body.Close()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode body: %v\nraw: %s", err, raw)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeEnvelope(t, resp, &env)
	return env.Error.Code
}
