package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// envelopeHintsChannel is the Valkey pub/sub channel every Hub instance
// subscribes to. Publishing here rather than calling a Hub method directly
// lets the hint reach whichever server process holds the recipient's live
// WebSocket connection in a multi-instance deployment.
const envelopeHintsChannel = "signalcore.gateway.envelope_hints"

// hint is the JSON structure published to envelopeHintsChannel.
type hint struct {
	UserID       string `json:"user_id"`
	DeviceID     int    `json:"device_id"`
	PendingCount int    `json:"pending_count"`
}

// Publisher fans an envelope-arrival hint out to every Hub instance over
// Valkey pub/sub. It implements envelope.Notifier so internal/envelope can
// depend on it through that narrow interface rather than on this package.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new envelope-hint publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger}
}

// Notify implements envelope.Notifier. It is best-effort: a publish failure
// is logged and otherwise ignored, since the store-and-forward inbox is the
// source of truth and this is only a low-latency hint on top of it.
func (p *Publisher) Notify(ctx context.Context, userID uuid.UUID, deviceID int) {
	p.publish(ctx, userID, deviceID, 0)
}

func (p *Publisher) publish(ctx context.Context, userID uuid.UUID, deviceID, pendingCount int) {
	payload, err := json.Marshal(hint{UserID: userID.String(), DeviceID: deviceID, PendingCount: pendingCount})
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to marshal envelope hint")
		return
	}
	if err := p.rdb.Publish(ctx, envelopeHintsChannel, payload).Err(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to publish envelope hint")
	}
}
