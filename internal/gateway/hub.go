package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/config"
	"github.com/uncord-chat/signalcore/internal/hmacsession"
)

// IdentityVerifier authenticates an Identify frame. hmacsession.Verifier
// satisfies it; the seam keeps the hub testable without a database.
type IdentityVerifier interface {
	Verify(ctx context.Context, clientHandle string, timestampMs int64, nonce, signatureHex, requestPath, requestBody string) (*hmacsession.Principal, error)
}

// connKey addresses one live connection. A device holds at most one; a user
// with several devices holds one per device.
type connKey struct {
	userID   uuid.UUID
	deviceID int
}

// Hub is the WebSocket connection registry for the envelope-ready push
// notifier. It subscribes to the envelope-hint pub/sub channel and forwards
// each hint to the recipient device's live connection, if any. The inbox
// remains the source of truth; a device that is offline simply reads its
// inbox on next connect.
type Hub struct {
	clients  map[connKey]*Client
	mu       sync.RWMutex
	rdb      *redis.Client
	cfg      *config.Config
	sessions *SessionStore
	verifier IdentityVerifier
	log      zerolog.Logger
}

// NewHub creates a new gateway hub.
func NewHub(rdb *redis.Client, cfg *config.Config, sessions *SessionStore, verifier IdentityVerifier, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[connKey]*Client),
		rdb:      rdb,
		cfg:      cfg,
		sessions: sessions,
		verifier: verifier,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// Run subscribes to the envelope-hint pub/sub channel and forwards hints to
// connected clients. It blocks until the context is cancelled or the
// subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, envelopeHintsChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("Gateway hub subscribed to envelope hint channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handleHint(ctx, msg.Payload)
		}
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket
// connection. It sends the Hello frame and starts the client's read and
// write pumps.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)

	hello, err := NewHelloFrame(h.cfg.WSHeartbeatInterval.Milliseconds())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build Hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send Hello frame")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// register adds an authenticated client to the Hub. If the device already
// has an active connection, the old connection is displaced with an
// InvalidSession frame.
func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.cfg.WSMaxConnections {
		return ErrMaxConnections
	}

	key := client.connKey()
	if existing, ok := h.clients[key]; ok {
		h.log.Debug().Stringer("user_id", key.userID).Int("device_id", key.deviceID).
			Msg("Displacing existing connection")
		if frame, err := NewInvalidSessionFrame(); err == nil {
			existing.enqueue(frame)
		}
		existing.closeSend()
		delete(h.clients, key)
	}

	h.clients[key] = client
	h.log.Debug().Stringer("user_id", key.userID).Int("device_id", key.deviceID).
		Int("total", len(h.clients)).Msg("Client registered")
	return nil
}

// unregister removes a client from the Hub and persists its session so a
// quick reconnect can resume and replay missed hints.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()

	key := client.connKey()
	current, ok := h.clients[key]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, key)
	h.mu.Unlock()

	client.closeSend()

	if client.IsIdentified() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sessions.Save(ctx, client.SessionID(), key.userID, key.deviceID, client.currentSeq()); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", key.userID).Msg("Failed to save session on disconnect")
		}
	}

	h.log.Debug().Stringer("user_id", key.userID).Int("device_id", key.deviceID).Msg("Client unregistered")
}

// handleIdentify authenticates a client from its Identify frame. The frame
// carries the same HMAC fields a signed native-client request does, computed
// over the fixed IdentifyPath, so the hub accepts exactly the credentials
// the HTTP API does and a captured frame cannot be replayed elsewhere.
func (h *Hub) handleIdentify(client *Client, data IdentifyData) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	principal, err := h.verifier.Verify(ctx, data.ClientHandle, data.TimestampMS, data.Nonce, data.Signature, IdentifyPath, "")
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify verification failed")
		client.closeWithCode(CloseAuthFailed, "authentication failed")
		return
	}

	if data.ResumeSessionID != "" {
		h.resume(ctx, client, principal, data.ResumeSessionID, data.ResumeSeq)
		return
	}

	sessionID := NewSessionID()
	client.setIdentity(principal.UserID, principal.DeviceID, sessionID)

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	h.log.Info().Stringer("user_id", principal.UserID).Int("device_id", principal.DeviceID).
		Str("session_id", sessionID).Msg("Client identified")
}

// resume restores a disconnected session and replays the envelope-ready
// hints the device missed. The caller has already verified the client's
// HMAC identity; resume additionally requires that the saved session belongs
// to the same device.
func (h *Hub) resume(ctx context.Context, client *Client, principal *hmacsession.Principal, sessionID string, afterSeq int64) {
	saved, err := h.sessions.Load(ctx, sessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", sessionID).Msg("Session not found for resume")
		h.invalidateSession(client)
		return
	}

	if saved.UserID != principal.UserID || saved.DeviceID != principal.DeviceID {
		h.log.Debug().Str("session_id", sessionID).Msg("Resume session belongs to a different device")
		h.invalidateSession(client)
		return
	}

	if afterSeq > saved.LastSeq {
		h.log.Debug().Int64("client_seq", afterSeq).Int64("server_seq", saved.LastSeq).
			Msg("Resume sequence ahead of server")
		h.invalidateSession(client)
		return
	}

	missed, err := h.sessions.Replay(ctx, sessionID, afterSeq)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load replay buffer")
		h.invalidateSession(client)
		return
	}

	client.setIdentity(principal.UserID, principal.DeviceID, sessionID)
	client.seq.Store(saved.LastSeq)

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register resumed client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	if err := h.sessions.Delete(ctx, sessionID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to delete session after resume")
	}

	for _, payload := range missed {
		client.enqueue(payload)
	}

	h.log.Info().Stringer("user_id", principal.UserID).Int("device_id", principal.DeviceID).
		Str("session_id", sessionID).Int("replayed", len(missed)).Msg("Client resumed")
}

// invalidateSession tells the client its resume attempt failed and it must
// identify fresh, leaving the connection open.
func (h *Hub) invalidateSession(client *Client) {
	if frame, err := NewInvalidSessionFrame(); err == nil {
		client.enqueue(frame)
	}
}

// handleHint processes one envelope hint from the pub/sub channel, sending
// an EnvelopeReady frame to the recipient device's connection if it is live.
func (h *Hub) handleHint(ctx context.Context, payload string) {
	var ht hint
	if err := json.Unmarshal([]byte(payload), &ht); err != nil {
		h.log.Warn().Err(err).Msg("Invalid envelope hint payload")
		return
	}

	userID, err := uuid.Parse(ht.UserID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Invalid envelope hint user id")
		return
	}

	h.mu.RLock()
	client, ok := h.clients[connKey{userID: userID, deviceID: ht.DeviceID}]
	h.mu.RUnlock()
	if !ok || !client.IsIdentified() {
		return
	}

	seq := client.nextSeq()
	frame, err := NewEnvelopeReadyFrame(seq, EnvelopeReadyData{PendingCount: ht.PendingCount})
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build envelope ready frame")
		return
	}

	client.enqueue(frame)

	if sid := client.SessionID(); sid != "" {
		if err := h.sessions.AppendReplay(ctx, sid, seq, frame); err != nil {
			h.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to append to replay buffer")
		}
	}
}

// Shutdown gracefully closes all active connections: a Reconnect frame tells
// each client to come back once the new process is up, then the socket is
// closed with a Going Away status.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	reconnect, _ := NewReconnectFrame()
	for key, client := range h.clients {
		if reconnect != nil {
			client.enqueue(reconnect)
		}
		client.closeSend()
		_ = client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = client.conn.Close()
		delete(h.clients, key)
	}
	h.log.Info().Msg("Gateway hub shut down")
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
