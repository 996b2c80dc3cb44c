package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds redelivery of failed events: exponential backoff from
// Initial, doubling per attempt, capped at MaxInterval, for at most
// MaxAttempts handler invocations before dead-lettering.
type RetryPolicy struct {
	Initial     time.Duration
	MaxInterval time.Duration
	MaxAttempts int
}

// Backoff returns the wait before redelivering attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Consumer drains the primary streams with a consumer-group worker pool and
// dispatches events to registered handlers. Delivery is at-least-once, so
// handlers must be idempotent; ledger-mutating handlers go through the
// settlement engine, which is idempotent by external reference.
type Consumer struct {
	client   *goredis.Client
	group    string
	name     string
	workers  int
	retry    RetryPolicy
	handlers map[domain.EventType]ports.EventHandler
	sleep    func(time.Duration)
	log      zerolog.Logger

	mu sync.RWMutex
}

// NewConsumer creates a consumer bound to one consumer group.
func NewConsumer(client *goredis.Client, group, name string, workers int, retry RetryPolicy, log zerolog.Logger) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		client:   client,
		group:    group,
		name:     name,
		workers:  workers,
		retry:    retry,
		handlers: make(map[domain.EventType]ports.EventHandler),
		sleep:    time.Sleep,
		log:      log,
	}
}

// Handle registers the handler for one event type. Events with no handler
// are acknowledged and dropped.
func (c *Consumer) Handle(t domain.EventType, h ports.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

// EnsureGroups creates the consumer group on every primary stream.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range Streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group %s on %s: %w", c.group, stream, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Start launches the worker pool and blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			name := fmt.Sprintf("%s-%d", c.name, worker)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := c.consume(ctx, name, 2*time.Second); err != nil && !errors.Is(err, goredis.Nil) && ctx.Err() == nil {
					c.log.Warn().Err(err).Str("worker", name).Msg("stream read failed")
					c.sleep(time.Second)
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// ConsumeOnce performs a single non-blocking read across the primary streams.
// Exposed for tests and for drain-style admin tooling.
func (c *Consumer) ConsumeOnce(ctx context.Context) error {
	return c.consume(ctx, c.name, -1)
}

func (c *Consumer) consume(ctx context.Context, consumerName string, block time.Duration) error {
	streams := make([]string, 0, len(Streams)*2)
	streams = append(streams, Streams...)
	for range Streams {
		streams = append(streams, ">")
	}

	res, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumerName,
		Streams:  streams,
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		return err
	}

	for _, sr := range res {
		for _, msg := range sr.Messages {
			c.dispatch(ctx, sr.Stream, msg)
		}
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, stream string, msg goredis.XMessage) {
	ack := func() {
		if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
			c.log.Warn().Err(err).Str("stream", stream).Str("msg_id", msg.ID).Msg("ack failed")
		}
	}

	payload, _ := msg.Values["payload"].(string)
	var event domain.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("msg_id", msg.ID).Msg("undecodable event, dead-lettering")
		c.deadLetter(ctx, msg.Values, "undecodable payload: "+err.Error())
		ack()
		return
	}

	c.mu.RLock()
	handler, ok := c.handlers[event.Type]
	c.mu.RUnlock()
	if !ok {
		c.log.Debug().Str("type", string(event.Type)).Msg("no handler registered, dropping")
		ack()
		return
	}

	if err := c.invoke(ctx, handler, event); err != nil {
		attempt := event.Attempt + 1
		if attempt >= c.retry.MaxAttempts {
			c.log.Error().Err(err).
				Str("event_id", event.ID.String()).
				Str("type", string(event.Type)).
				Int("attempts", attempt).
				Msg("retry budget exhausted, dead-lettering")
			c.deadLetter(ctx, msg.Values, err.Error())
			ack()
			return
		}

		c.sleep(c.retry.Backoff(attempt))
		event.Attempt = attempt
		if pubErr := c.requeue(ctx, stream, event); pubErr != nil {
			// Leave the message pending so the group redelivers it.
			c.log.Error().Err(pubErr).Str("event_id", event.ID.String()).Msg("requeue failed, leaving pending")
			return
		}
		ack()
		return
	}
	ack()
}

// invoke shields the worker from handler panics. A panicking handler must
// not take the consumer down with an unacked message, that would redeliver
// the same poison event on every restart; it fails like any handler error
// and drains to the dead-letter stream.
func (c *Consumer) invoke(ctx context.Context, handler ports.EventHandler, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

func (c *Consumer) requeue(ctx context.Context, stream string, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"event_id":    event.ID.String(),
			"type":        string(event.Type),
			"routing_key": event.Type.RoutingKey(),
			"payload":     string(payload),
		},
	}).Err()
}

func (c *Consumer) deadLetter(ctx context.Context, values map[string]interface{}, reason string) {
	dl := map[string]interface{}{"failure": reason}
	for k, v := range values {
		dl[k] = v
	}
	dl["routing_key"] = "deadletter"
	if err := c.client.XAdd(ctx, &goredis.XAddArgs{Stream: StreamDeadLetter, Values: dl}).Err(); err != nil {
		c.log.Error().Err(err).Msg("dead-letter append failed")
	}
}
