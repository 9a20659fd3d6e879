// Package broadcast fans pipeline status changes out to interested parties:
// the process log, relay endpoints from config, and store-backed
// subscriptions. Delivery is best effort; a failed channel never blocks or
// fails the pipeline operation that produced the notice.
package broadcast

import (
	"context"
	"log"
	"strings"
)

// Notice is one status-change notification.
type Notice struct {
	ProjectID      int64          `json:"project_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Event          string         `json:"event"`
	Status         string         `json:"status,omitempty"`
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	TS             string         `json:"ts"`
}

type Channel interface {
	Name() string
	Publish(ctx context.Context, n Notice) error
}

type Registry struct {
	channels []Channel
}

func NewRegistry(channels ...Channel) *Registry {
	return &Registry{channels: channels}
}

func (r *Registry) Add(c Channel) {
	r.channels = append(r.channels, c)
}

// Publish sends the notice to every channel. Channel failures are logged and
// swallowed.
func (r *Registry) Publish(ctx context.Context, n Notice) {
	if r == nil {
		return
	}
	for _, c := range r.channels {
		if err := c.Publish(ctx, n); err != nil {
			log.Printf("broadcast: %s: %v", c.Name(), err)
		}
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
