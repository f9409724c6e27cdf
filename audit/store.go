// Package audit persists forwarder events so the full history of the
// sponsorship ledger, executions and governance can be reconstructed.
package audit

import (
	"context"
	"sync"

	"github.com/x402-foundation/forwarder"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type  forwarder.EventType
	Limit int
}

func (f Filter) match(event forwarder.Event) bool {
	return f.Type == "" || f.Type == event.Type
}

// Store is an event sink that can read its events back in publish order
type Store interface {
	forwarder.EventSink
	List(ctx context.Context, filter Filter) ([]forwarder.Event, error)
}

// MemoryStore keeps events in memory
type MemoryStore struct {
	mu     sync.RWMutex
	events []forwarder.Event
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Publish appends an event
func (s *MemoryStore) Publish(ctx context.Context, event forwarder.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List returns matching events, oldest first
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]forwarder.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]forwarder.Event, 0)
	for _, event := range s.events {
		if !filter.match(event) {
			continue
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
