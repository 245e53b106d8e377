package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/observability"
)

const eventField = "event"

// RedisStreamConfig describes the stream and consumer group to use.
type RedisStreamConfig struct {
	Stream   string
	Group    string
	Consumer string

	// MaxLen approximately caps the stream length. 0 disables trimming.
	MaxLen int64
	// BatchSize is the maximum number of messages per read.
	BatchSize int64
	// Block is how long a read waits for new messages.
	Block time.Duration
	// ClaimMinIdle is how long a message must sit unacknowledged on another
	// consumer before it is reclaimed.
	ClaimMinIdle time.Duration
	// ClaimInterval is how often reclaiming runs.
	ClaimInterval time.Duration
}

func (c *RedisStreamConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "neuralhub:events"
	}
	if c.Group == "" {
		c.Group = "neuralhub"
	}
	if c.Consumer == "" {
		c.Consumer = "hub-1"
	}
	if c.MaxLen == 0 {
		c.MaxLen = 100000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
}

// RedisStreamBroker is a durable broker on Redis Streams with a consumer
// group. Messages are acknowledged after deliver returns.
type RedisStreamBroker struct {
	client *redis.Client
	cfg    RedisStreamConfig
}

func NewRedisStreamBroker(client *redis.Client, cfg RedisStreamConfig) *RedisStreamBroker {
	cfg.applyDefaults()
	return &RedisStreamBroker{client: client, cfg: cfg}
}

func (b *RedisStreamBroker) Publish(ctx context.Context, ev events.Event) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{eventField: string(data)},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return b.client.XAdd(ctx, args).Err()
}

// ensureGroup creates the stream and group if they do not exist yet.
func (b *RedisStreamBroker) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (b *RedisStreamBroker) Consume(ctx context.Context, deliver func(context.Context, events.Event)) error {
	if err := b.ensureGroup(ctx); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	// Our own unacknowledged messages from a previous run come first
	if err := b.drainPending(ctx, deliver); err != nil && ctx.Err() == nil {
		log.Printf("[BACKBONE] Failed to drain pending messages: %v", err)
	}

	lastClaim := time.Now()
	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.Block,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			// Block expired with nothing new
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[BACKBONE] XREADGROUP failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		default:
			for _, s := range streams {
				for _, msg := range s.Messages {
					b.handle(ctx, msg, deliver)
				}
			}
		}

		if time.Since(lastClaim) >= b.cfg.ClaimInterval {
			b.reclaim(ctx, deliver)
			lastClaim = time.Now()
		}
	}
	return nil
}

func (b *RedisStreamBroker) drainPending(ctx context.Context, deliver func(context.Context, events.Event)) error {
	lastID := "0"
	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, lastID},
			Count:    b.cfg.BatchSize,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		n := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handle(ctx, msg, deliver)
				lastID = msg.ID
				n++
			}
		}
		if n == 0 {
			return nil
		}
		log.Printf("[BACKBONE] Redelivered %d pending messages", n)
	}
	return nil
}

// reclaim takes over messages that another consumer read but never acked.
func (b *RedisStreamBroker) reclaim(ctx context.Context, deliver func(context.Context, events.Event)) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.cfg.Stream,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimMinIdle,
			Start:    start,
			Count:    b.cfg.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[BACKBONE] XAUTOCLAIM failed: %v", err)
			}
			return
		}
		if len(msgs) > 0 {
			log.Printf("[BACKBONE] Reclaimed %d idle messages", len(msgs))
		}
		for _, msg := range msgs {
			b.handle(ctx, msg, deliver)
		}
		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

// handle decodes one message, delivers it and acks it. Messages that cannot
// be decoded are acked and dropped so they do not block the group.
func (b *RedisStreamBroker) handle(ctx context.Context, msg redis.XMessage, deliver func(context.Context, events.Event)) {
	ev, err := decodeMessage(msg)
	if err != nil {
		observability.EventsConsumed.WithLabelValues("poison").Inc()
		log.Printf("[BACKBONE] Dropping undecodable message %s: %v", msg.ID, err)
	} else {
		deliver(ctx, ev)
	}

	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, msg.ID).Err(); err != nil {
		log.Printf("[BACKBONE] XACK %s failed: %v", msg.ID, err)
	}
}

func decodeMessage(msg redis.XMessage) (events.Event, error) {
	var ev events.Event
	raw, ok := msg.Values[eventField].(string)
	if !ok {
		return ev, fmt.Errorf("missing %q field", eventField)
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// Close is a no-op. The Redis client is owned by the store.
func (b *RedisStreamBroker) Close() error {
	return nil
}
