package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/neuralhub/control_plane/errs"
)

// newTestRedisStore connects to REDIS_ADDR or skips.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}
	s, err := NewRedisStore(addr, "", 15)
	if err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStoreCommandLifecycle(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	agentID := "agent-" + uuid.NewString()
	cmdID := "cmd-" + uuid.NewString()

	if err := s.UpsertAgent(ctx, &Agent{ID: agentID, Status: AgentActive, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}
	if err := s.CreateCommand(ctx, &AgentCommand{ID: cmdID, AgentID: agentID, CommandType: "ping", Status: CommandPending, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	updated, err := s.TransitionCommand(ctx, cmdID, CommandUpdate{Status: CommandCompleted, Result: map[string]any{"pong": true}})
	if err != nil {
		t.Fatalf("TransitionCommand failed: %v", err)
	}
	if updated.Status != CommandCompleted || updated.CompletedAt == nil {
		t.Errorf("unexpected command after transition: %+v", updated)
	}

	if _, err := s.TransitionCommand(ctx, cmdID, CommandUpdate{Status: CommandSent}); !errs.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}

	cmds, err := s.ListCommands(ctx, agentID, "")
	if err != nil || len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d (%v)", len(cmds), err)
	}
}

func TestRedisStoreKV(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	key := "neuralhub:test:" + uuid.NewString()

	ok, err := s.SetNX(ctx, key, "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to succeed: %v %v", ok, err)
	}
	ok, _ = s.SetNX(ctx, key, "1", time.Minute)
	if ok {
		t.Error("expected second SetNX to fail")
	}
	if v, found, _ := s.Get(ctx, key); !found || v != "1" {
		t.Errorf("unexpected Get result %q %v", v, found)
	}
	if _, found, _ := s.Get(ctx, key+":missing"); found {
		t.Error("expected missing key to report not found")
	}
}
