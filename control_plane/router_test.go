package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/store"
)

// offlineActionHub has P1 registered without a connection and a workflow
// on "X" that queues one action for it per run.
func offlineActionHub(t *testing.T) *testHub {
	t.Helper()
	h := newTestHub(t, testConfig())
	h.expect(t, "POST", "/products/register", map[string]any{"productId": "P1"}, http.StatusOK, nil)
	h.expect(t, "PUT", "/workflows/wf", map[string]any{
		"triggers": []string{"X"},
		"steps": []map[string]any{
			{"type": "product-action", "productId": "P1", "action": "ping"},
		},
	}, http.StatusOK, nil)
	return h
}

func queuedActions(t *testing.T, h *testHub) int {
	t.Helper()
	cmds, err := h.mem.ListCommands(context.Background(), "P1", store.CommandPending)
	if err != nil {
		t.Fatalf("ListCommands failed: %v", err)
	}
	return len(cmds)
}

func TestRouterSkipsCompletedRedelivery(t *testing.T) {
	h := offlineActionHub(t)
	rt := newRouter(h.srv)
	ev := events.Event{ID: "evt-dup", Type: "X", Source: "test", Timestamp: time.Now().UTC()}

	if err := rt.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	eventually(t, "first delivery to queue the action", func() bool { return queuedActions(t, h) == 1 })

	if err := rt.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := queuedActions(t, h); n != 1 {
		t.Errorf("duplicate delivery ran the workflow again: %d queued actions", n)
	}
}

func TestRouterProcessesRedeliveryAfterCrash(t *testing.T) {
	h := offlineActionHub(t)
	ctx := context.Background()

	// A consumer claimed the event and died before finishing it
	if ok, err := h.srv.idempotency.Claim(ctx, "evt-crash"); err != nil || !ok {
		t.Fatalf("Claim failed: %v %v", ok, err)
	}

	ev := events.Event{ID: "evt-crash", Type: "X", Source: "test", Timestamp: time.Now().UTC()}
	if err := newRouter(h.srv).HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	eventually(t, "redelivered event to run its workflow", func() bool { return queuedActions(t, h) == 1 })

	if fresh, _ := h.srv.idempotency.Claim(ctx, "evt-crash"); fresh {
		t.Error("expected the event to be marked done after the redelivery")
	}
}
