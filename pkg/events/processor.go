package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"palisade/pkg/stream"
)

// Identity event types the commerce backend emits.
const (
	TypeLogin      = "login"
	TypeLogout     = "logout"
	TypeRoleChange = "role_change"
)

// IdentityEvent is the wire format on the identity topic.
type IdentityEvent struct {
	Type      string `json:"type"`
	ViewerKey string `json:"viewer_key"`
	At        string `json:"at,omitempty"`
}

// Invalidator drops a viewer's cached restricted set.
type Invalidator interface {
	Invalidate(ctx context.Context, viewerKey string) error
}

// Processor drains the identity topic: every event invalidates the
// viewer's cache entry and notifies connected clients through the hub.
type Processor struct {
	Consumer Consumer
	Cache    Invalidator
	Hub      *stream.Hub

	// ReadBackoff spaces retries after transient read failures.
	ReadBackoff time.Duration
}

// Run consumes until the context ends. Malformed events are logged and
// skipped; read errors back off and retry rather than killing the loop.
func (p *Processor) Run(ctx context.Context) error {
	backoff := p.ReadBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		msg, err := p.Consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Printf("events: read: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		if err := p.Handle(ctx, msg.Value); err != nil {
			log.Printf("events: %v", err)
		}
	}
}

// Handle applies one raw identity event.
func (p *Processor) Handle(ctx context.Context, raw []byte) error {
	var evt IdentityEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("decode identity event: %w", err)
	}
	evt.Type = strings.ToLower(strings.TrimSpace(evt.Type))
	evt.ViewerKey = strings.TrimSpace(evt.ViewerKey)
	switch evt.Type {
	case TypeLogin, TypeLogout, TypeRoleChange:
	default:
		return fmt.Errorf("unknown identity event type %q", evt.Type)
	}
	if evt.ViewerKey == "" {
		return fmt.Errorf("identity event %s without viewer key", evt.Type)
	}
	if err := p.Cache.Invalidate(ctx, evt.ViewerKey); err != nil {
		return fmt.Errorf("invalidate %s: %w", evt.ViewerKey, err)
	}
	if p.Hub != nil {
		p.Hub.Publish(stream.NewEvent(stream.TypeIdentityChanged, evt.ViewerKey, evt))
	}
	return nil
}
