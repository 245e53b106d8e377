package streaming

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/neuralhub/control_plane/events"
)

// newTestStream connects to REDIS_ADDR or skips, and returns a client plus
// a stream name private to the test.
func newTestStream(t *testing.T) (*redis.Client, string) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}
	stream := "test:events:" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), stream)
		client.Close()
	})
	return client, stream
}

func pendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), stream, group).Result()
	if err != nil {
		t.Fatalf("XPENDING failed: %v", err)
	}
	return p.Count
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRedisStreamAcksAfterDeliver(t *testing.T) {
	client, stream := newTestStream(t)
	b := NewRedisStreamBroker(client, RedisStreamConfig{Stream: stream, Group: "g", Consumer: "c1", Block: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inDeliver := make(chan int64, 1)
	release := make(chan struct{})
	go b.Consume(ctx, func(ctx context.Context, ev events.Event) {
		var n int64 = -1
		if p, err := client.XPending(ctx, stream, "g").Result(); err == nil {
			n = p.Count
		}
		inDeliver <- n
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	// Consume creates the group; publish once it exists
	waitUntil(t, "consumer group", func() bool {
		groups, err := client.XInfoGroups(context.Background(), stream).Result()
		return err == nil && len(groups) == 1
	})
	if err := b.Publish(ctx, events.Event{ID: "ev-1", Type: "X", Source: "test"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case n := <-inDeliver:
		if n != 1 {
			t.Errorf("expected the message unacked while deliver runs, got %d pending", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
	close(release)

	waitUntil(t, "ack after deliver", func() bool { return pendingCount(t, client, stream, "g") == 0 })
}

// readWithoutAck leaves one message pending on consumer, as a consumer that
// crashed mid-delivery would.
func readWithoutAck(t *testing.T, client *redis.Client, stream, consumer string) {
	t.Helper()
	ctx := context.Background()
	if err := client.XGroupCreateMkStream(ctx, stream, "g", "0").Err(); err != nil {
		t.Fatalf("XGROUP CREATE failed: %v", err)
	}
	b := NewRedisStreamBroker(client, RedisStreamConfig{Stream: stream, Group: "g"})
	if err := b.Publish(ctx, events.Event{ID: "ev-crash", Type: "X", Source: "test"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "g",
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result(); err != nil {
		t.Fatalf("XREADGROUP failed: %v", err)
	}
	if n := pendingCount(t, client, stream, "g"); n != 1 {
		t.Fatalf("expected one pending message, got %d", n)
	}
}

func consumeOne(t *testing.T, b *RedisStreamBroker) events.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan events.Event, 4)
	go b.Consume(ctx, func(ctx context.Context, ev events.Event) { got <- ev })
	select {
	case ev := <-got:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("pending message was never redelivered")
		return events.Event{}
	}
}

func TestRedisStreamRedeliversOwnPending(t *testing.T) {
	client, stream := newTestStream(t)
	readWithoutAck(t, client, stream, "c1")

	// Same consumer restarting drains its own pending entries first
	b := NewRedisStreamBroker(client, RedisStreamConfig{Stream: stream, Group: "g", Consumer: "c1", Block: 50 * time.Millisecond})
	if ev := consumeOne(t, b); ev.ID != "ev-crash" {
		t.Errorf("expected ev-crash, got %s", ev.ID)
	}
	waitUntil(t, "ack of the redelivery", func() bool { return pendingCount(t, client, stream, "g") == 0 })
}

func TestRedisStreamReclaimsFromDeadConsumer(t *testing.T) {
	client, stream := newTestStream(t)
	readWithoutAck(t, client, stream, "dead")

	b := NewRedisStreamBroker(client, RedisStreamConfig{
		Stream:        stream,
		Group:         "g",
		Consumer:      "live",
		Block:         50 * time.Millisecond,
		ClaimMinIdle:  10 * time.Millisecond,
		ClaimInterval: 10 * time.Millisecond,
	})
	if ev := consumeOne(t, b); ev.ID != "ev-crash" {
		t.Errorf("expected ev-crash, got %s", ev.ID)
	}
	waitUntil(t, "ack of the reclaimed message", func() bool { return pendingCount(t, client, stream, "g") == 0 })
}
