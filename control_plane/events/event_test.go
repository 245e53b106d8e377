package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/itskum47/neuralhub/control_plane/errs"
)

func TestNormalizeAssignsDefaults(t *testing.T) {
	codec := NewCodec("hub-test")

	before := time.Now().UTC()
	ev, err := codec.Normalize(Partial{Type: "X", Payload: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if ev.ID == "" {
		t.Error("expected generated id")
	}
	if ev.Source != "hub-test" {
		t.Errorf("expected source hub-test, got %s", ev.Source)
	}
	if ev.Timestamp.Before(before.Add(-time.Second)) || ev.Timestamp.After(time.Now().UTC()) {
		t.Errorf("timestamp %v not within ingestion window", ev.Timestamp)
	}
	if string(ev.Payload) != `{"k":"v"}` {
		t.Errorf("unexpected payload %s", ev.Payload)
	}
}

func TestNormalizeKeepsCallerFields(t *testing.T) {
	codec := NewCodec("")
	past := time.Now().Add(-time.Hour).UTC()

	ev, err := codec.Normalize(Partial{
		ID:             "evt-given",
		Type:           "product.updated",
		Timestamp:      &past,
		Source:         "billing",
		TargetProducts: []string{"P1", " ", "P2"},
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if ev.ID != "evt-given" || ev.Source != "billing" {
		t.Errorf("caller fields were overwritten: %+v", ev)
	}
	if !ev.Timestamp.Equal(past) {
		t.Errorf("expected timestamp %v, got %v", past, ev.Timestamp)
	}
	if len(ev.TargetProducts) != 2 {
		t.Errorf("expected blank target dropped, got %v", ev.TargetProducts)
	}
	if string(ev.Payload) != `{}` {
		t.Errorf("expected empty object payload, got %s", ev.Payload)
	}
}

func TestNormalizeClampsFutureTimestamp(t *testing.T) {
	codec := NewCodec("")
	future := time.Now().Add(time.Hour)

	ev, err := codec.Normalize(Partial{Type: "X", Timestamp: &future})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Timestamp.After(time.Now().UTC()) {
		t.Errorf("timestamp %v is in the future", ev.Timestamp)
	}
}

func TestNormalizeRejectsInvalidInput(t *testing.T) {
	codec := NewCodec("")

	if _, err := codec.Normalize(Partial{Type: "  "}); !errs.IsValidation(err) {
		t.Errorf("expected ValidationError for blank type, got %v", err)
	}

	if _, err := codec.Normalize(Partial{Type: "X", Payload: make(chan int)}); !errs.IsValidation(err) {
		t.Errorf("expected ValidationError for channel payload, got %v", err)
	}

	if _, err := codec.Normalize(Partial{Type: "X", Payload: json.RawMessage(`{broken`)}); !errs.IsValidation(err) {
		t.Errorf("expected ValidationError for invalid raw JSON, got %v", err)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		id := NewID(now)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
