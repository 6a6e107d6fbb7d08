package backend

import (
	"context"
	"sync"
)

// Switchable forwards to a transport that can be replaced at runtime.
// Requests already in flight finish on the transport they started with.
type Switchable struct {
	mu      sync.RWMutex
	current Transport
}

// NewSwitchable starts out forwarding to t
func NewSwitchable(t Transport) *Switchable {
	return &Switchable{current: t}
}

// Set replaces the transport used by subsequent requests
func (s *Switchable) Set(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = t
}

func (s *Switchable) get() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Switchable) Name() string {
	return s.get().Name()
}

func (s *Switchable) Ask(ctx context.Context, payload Payload) (string, error) {
	return s.get().Ask(ctx, payload)
}
