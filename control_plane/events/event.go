package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/neuralhub/control_plane/errs"
)

// Well-known event types emitted by the hub itself.
const (
	TypeProductRegistered  = "PRODUCT_REGISTERED"
	TypeProductReconnected = "PRODUCT_RECONNECTED"
	TypeProductInactive    = "PRODUCT_INACTIVE"
	TypeAgentConnected     = "agent:connected"
	TypeAgentDisconnected  = "agent:disconnected"
	TypeAgentUpdated       = "agent:updated"
	TypeAgentAlert         = "agent:alert"
	TypeCommandSent        = "command:sent"
	TypeCommandResult      = "command:result"
)

// DefaultSource is used when neither the caller nor the codec is given a source.
const DefaultSource = "neural-hub"

// Event is an immutable fact routed through the backbone and the transport.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         string          `json:"source"`
	TargetProducts []string        `json:"targetProducts,omitempty"`
}

// Partial is an inbound event before normalization. Only Type is required.
type Partial struct {
	ID             string     `json:"id,omitempty"`
	Type           string     `json:"type"`
	Payload        any        `json:"payload,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Source         string     `json:"source,omitempty"`
	TargetProducts []string   `json:"targetProducts,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// Codec normalizes partial events into complete ones.
type Codec struct {
	source string
	now    func() time.Time
}

// NewCodec returns a codec that stamps events with the given hub identifier.
func NewCodec(source string) *Codec {
	if source == "" {
		source = DefaultSource
	}
	return &Codec{source: source, now: time.Now}
}

// Normalize validates p and fills in id, timestamp and source.
// Future timestamps are clamped to the ingestion time.
func (c *Codec) Normalize(p Partial) (Event, error) {
	eventType := strings.TrimSpace(p.Type)
	if eventType == "" {
		return Event{}, errs.Validation("type", "is required")
	}

	payload, err := encodePayload(p.Payload)
	if err != nil {
		return Event{}, errs.Validation("payload", fmt.Sprintf("is not structured data: %v", err))
	}

	now := c.now().UTC()
	ts := now
	if p.Timestamp != nil && !p.Timestamp.IsZero() && !p.Timestamp.After(now) {
		ts = p.Timestamp.UTC()
	}

	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = NewID(now)
	}

	source := strings.TrimSpace(p.Source)
	if source == "" {
		source = c.source
	}

	var targets []string
	for _, t := range p.TargetProducts {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}

	return Event{
		ID:             id,
		Type:           eventType,
		Payload:        payload,
		Timestamp:      ts,
		Source:         source,
		TargetProducts: targets,
	}, nil
}

// NewID builds a collision-resistant event id from the time and a random suffix.
func NewID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("evt_%d_%s", t.UnixMilli(), suffix)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(bytes.TrimSpace(v)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}
