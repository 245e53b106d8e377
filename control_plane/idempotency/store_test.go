package idempotency

import (
	"context"
	"net/http"
	"testing"

	"github.com/itskum47/neuralhub/control_plane/store"
)

func TestResponseReplay(t *testing.T) {
	s := NewStore(store.NewMemoryStore(), 0)
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "k1"); found || err != nil {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}

	want := Response{
		StatusCode: http.StatusAccepted,
		Body:       []byte(`{"success":true}`),
		Headers:    map[string][]string{"Content-Type": {"application/json"}},
	}
	if err := s.Set(ctx, "k1", want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, found, err := s.Get(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if got.StatusCode != want.StatusCode || string(got.Body) != string(want.Body) {
		t.Errorf("unexpected replay: %+v", got)
	}
	if got.Headers["Content-Type"][0] != "application/json" {
		t.Errorf("expected headers to be kept, got %v", got.Headers)
	}
}

func TestClaimOnlyOnceCompleted(t *testing.T) {
	s := NewStore(store.NewMemoryStore(), 0)
	ctx := context.Background()

	first, err := s.Claim(ctx, "ev-1")
	if err != nil || !first {
		t.Fatalf("expected first claim to win, got %v %v", first, err)
	}
	if err := s.Complete(ctx, "ev-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	again, _ := s.Claim(ctx, "ev-1")
	if again {
		t.Error("expected redelivery of a completed event to lose the claim")
	}
	other, _ := s.Claim(ctx, "ev-2")
	if !other {
		t.Error("expected a different event to be claimable")
	}
}

func TestUnfinishedClaimIsTakenOver(t *testing.T) {
	s := NewStore(store.NewMemoryStore(), 0)
	ctx := context.Background()

	// First delivery claims and never completes
	if ok, _ := s.Claim(ctx, "ev-crash"); !ok {
		t.Fatal("expected first claim to win")
	}
	retry, err := s.Claim(ctx, "ev-crash")
	if err != nil || !retry {
		t.Fatalf("expected redelivery to take over an unfinished claim, got %v %v", retry, err)
	}
	s.Complete(ctx, "ev-crash")
	if ok, _ := s.Claim(ctx, "ev-crash"); ok {
		t.Error("expected the event to be done after Complete")
	}
}
