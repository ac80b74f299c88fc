package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/config"
	"github.com/uncord-chat/signalcore/internal/hmacsession"
)

// fakeVerifier accepts a fixed principal for one client handle.
type fakeVerifier struct {
	handle    string
	principal *hmacsession.Principal
}

func (v *fakeVerifier) Verify(_ context.Context, clientHandle string, _ int64, _, _, _, _ string) (*hmacsession.Principal, error) {
	if clientHandle != v.handle {
		return nil, hmacsession.ErrNoSession
	}
	return v.principal, nil
}

func testHub(t *testing.T) (*Hub, *fakeVerifier) {
	t.Helper()
	_, rdb := newTestRedis(t)
	cfg := &config.Config{
		WSHeartbeatInterval: 30 * time.Second,
		WSIdentifyTimeout:   10 * time.Second,
		WSMaxConnections:    10,
		WSRateLimitWindow:   10 * time.Second,
		WSRateLimitCount:    30,
	}
	verifier := &fakeVerifier{
		handle:    "handle-1",
		principal: &hmacsession.Principal{UserID: uuid.New(), DeviceID: 1, ClientHandle: "handle-1"},
	}
	sessions := NewSessionStore(rdb, 2*time.Minute, 50)
	return NewHub(rdb, cfg, sessions, verifier, zerolog.Nop()), verifier
}

func identifiedClient(hub *Hub, userID uuid.UUID, deviceID int) *Client {
	c := newClient(hub, nil, zerolog.Nop())
	c.setIdentity(userID, deviceID, NewSessionID())
	return c
}

func TestRegisterDisplacesSameDevice(t *testing.T) {
	t.Parallel()
	hub, v := testHub(t)

	first := identifiedClient(hub, v.principal.UserID, 1)
	if err := hub.register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}

	second := identifiedClient(hub, v.principal.UserID, 1)
	if err := hub.register(second); err != nil {
		t.Fatalf("register second: %v", err)
	}

	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}

	// The displaced connection was told to go away.
	select {
	case <-first.done:
	default:
		t.Error("first client was not shut down")
	}

	// A different device of the same user coexists.
	other := identifiedClient(hub, v.principal.UserID, 2)
	if err := hub.register(other); err != nil {
		t.Fatalf("register other device: %v", err)
	}
	if got := hub.ClientCount(); got != 2 {
		t.Errorf("ClientCount() = %d, want 2", got)
	}
}

func TestRegisterMaxConnections(t *testing.T) {
	t.Parallel()
	hub, _ := testHub(t)
	hub.cfg.WSMaxConnections = 1

	if err := hub.register(identifiedClient(hub, uuid.New(), 1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := hub.register(identifiedClient(hub, uuid.New(), 1)); err != ErrMaxConnections {
		t.Errorf("register = %v, want ErrMaxConnections", err)
	}
}

func TestHandleHintDeliversToDevice(t *testing.T) {
	t.Parallel()
	hub, v := testHub(t)

	target := identifiedClient(hub, v.principal.UserID, 1)
	bystander := identifiedClient(hub, v.principal.UserID, 2)
	if err := hub.register(target); err != nil {
		t.Fatalf("register target: %v", err)
	}
	if err := hub.register(bystander); err != nil {
		t.Fatalf("register bystander: %v", err)
	}

	payload, _ := json.Marshal(hint{UserID: v.principal.UserID.String(), DeviceID: 1, PendingCount: 4})
	hub.handleHint(context.Background(), string(payload))

	select {
	case raw := <-target.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if f.Op != OpcodeEnvelopeReady {
			t.Errorf("Op = %d, want %d", f.Op, OpcodeEnvelopeReady)
		}
		if f.Seq == nil || *f.Seq != 1 {
			t.Errorf("Seq = %v, want 1", f.Seq)
		}
		var data EnvelopeReadyData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data.PendingCount != 4 {
			t.Errorf("PendingCount = %d, want 4", data.PendingCount)
		}
	default:
		t.Fatal("target device received no frame")
	}

	select {
	case <-bystander.send:
		t.Error("hint leaked to a different device")
	default:
	}
}

func TestHandleHintUnknownDeviceIsDropped(t *testing.T) {
	t.Parallel()
	hub, _ := testHub(t)

	payload, _ := json.Marshal(hint{UserID: uuid.New().String(), DeviceID: 1})
	// Must not panic or block with no registered clients.
	hub.handleHint(context.Background(), string(payload))
}

func TestResumeReplaysMissedHints(t *testing.T) {
	t.Parallel()
	hub, v := testHub(t)
	ctx := context.Background()

	sessionID := NewSessionID()
	frame5, _ := NewEnvelopeReadyFrame(5, EnvelopeReadyData{})
	frame6, _ := NewEnvelopeReadyFrame(6, EnvelopeReadyData{})
	if err := hub.sessions.AppendReplay(ctx, sessionID, 5, frame5); err != nil {
		t.Fatalf("append replay: %v", err)
	}
	if err := hub.sessions.AppendReplay(ctx, sessionID, 6, frame6); err != nil {
		t.Fatalf("append replay: %v", err)
	}
	if err := hub.sessions.Save(ctx, sessionID, v.principal.UserID, v.principal.DeviceID, 6); err != nil {
		t.Fatalf("save session: %v", err)
	}

	client := newClient(hub, nil, zerolog.Nop())
	hub.resume(ctx, client, v.principal, sessionID, 5)

	if !client.IsIdentified() {
		t.Fatal("client not identified after resume")
	}
	if got := client.currentSeq(); got != 6 {
		t.Errorf("currentSeq() = %d, want 6", got)
	}

	select {
	case raw := <-client.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal replayed frame: %v", err)
		}
		if f.Seq == nil || *f.Seq != 6 {
			t.Errorf("replayed Seq = %v, want 6", f.Seq)
		}
	default:
		t.Fatal("no replayed frame")
	}
}

func TestResumeWrongDeviceInvalidates(t *testing.T) {
	t.Parallel()
	hub, v := testHub(t)
	ctx := context.Background()

	sessionID := NewSessionID()
	if err := hub.sessions.Save(ctx, sessionID, uuid.New(), 3, 0); err != nil {
		t.Fatalf("save session: %v", err)
	}

	client := newClient(hub, nil, zerolog.Nop())
	hub.resume(ctx, client, v.principal, sessionID, 0)

	if client.IsIdentified() {
		t.Error("client identified from another device's session")
	}

	select {
	case raw := <-client.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if f.Op != OpcodeInvalidSession {
			t.Errorf("Op = %d, want %d", f.Op, OpcodeInvalidSession)
		}
	default:
		t.Fatal("no invalid session frame")
	}
}
