package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itskum47/neuralhub/control_plane/store"
)

// DefaultTTL matches the event cache window.
const DefaultTTL = time.Hour

// ClaimTTL is how long an unfinished claim is kept.
const ClaimTTL = 5 * time.Minute

const (
	responsePrefix  = "neuralhub:idempotency:"
	processedPrefix = "processed:"

	markerInProgress = "processing"
	markerDone       = "done"
)

// Response is a recorded HTTP response replayed for a repeated key.
type Response struct {
	StatusCode int                 `json:"statusCode"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Store keeps idempotency records in the shared KV so every hub instance
// sees the same markers.
type Store struct {
	kv  store.KV
	ttl time.Duration
}

func NewStore(kv store.KV, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool, error) {
	raw, ok, err := s.kv.Get(ctx, responsePrefix+key)
	if err != nil || !ok {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Response{}, false, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	return resp, true, nil
}

func (s *Store) Set(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, responsePrefix+key, string(data), s.ttl)
}

// Claim starts processing eventID. It reports false only when an earlier
// delivery completed the event. A claim left unfinished, e.g. by a consumer
// that crashed before acknowledging, is taken over.
func (s *Store) Claim(ctx context.Context, eventID string) (bool, error) {
	key := processedPrefix + eventID
	fresh, err := s.kv.SetNX(ctx, key, markerInProgress, ClaimTTL)
	if err != nil || fresh {
		return fresh, err
	}
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return !ok || v != markerDone, nil
}

// Complete records that eventID was fully processed. Later deliveries of
// the same id lose their claim until the marker expires.
func (s *Store) Complete(ctx context.Context, eventID string) error {
	return s.kv.Set(ctx, processedPrefix+eventID, markerDone, s.ttl)
}
