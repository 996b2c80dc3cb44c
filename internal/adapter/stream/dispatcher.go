package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"p2p-settlement-gateway/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Stream names. Each routing-key family maps onto one durable stream; a
// single dead-letter stream holds messages that exhausted their retry budget.
const (
	StreamOrder        = "events:order"
	StreamPayment      = "events:payment"
	StreamNotification = "events:notification"
	StreamDeadLetter   = "events:deadletter"
)

// Streams lists the primary streams in consumption order.
var Streams = []string{StreamOrder, StreamPayment, StreamNotification}

// StreamFor resolves a routing key family onto its stream.
func StreamFor(routingKey string) string {
	switch {
	case strings.HasPrefix(routingKey, "order."):
		return StreamOrder
	case strings.HasPrefix(routingKey, "payment."):
		return StreamPayment
	default:
		return StreamNotification
	}
}

// Publisher implements ports.EventPublisher on Redis Streams.
type Publisher struct {
	client *goredis.Client
	log    zerolog.Logger
}

// NewPublisher creates a stream publisher.
func NewPublisher(client *goredis.Client, log zerolog.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

// Publish appends the event onto its stream. Events are serialized as one
// JSON payload field plus routing metadata for consumers and operators.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	routingKey := event.Type.RoutingKey()
	id, err := p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamFor(routingKey),
		Values: map[string]interface{}{
			"event_id":    event.ID.String(),
			"type":        string(event.Type),
			"routing_key": routingKey,
			"payload":     string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", StreamFor(routingKey), err)
	}

	p.log.Debug().
		Str("event_id", event.ID.String()).
		Str("type", string(event.Type)).
		Str("routing_key", routingKey).
		Str("stream_id", id).
		Msg("event published")
	return nil
}
