package main

import (
	"context"
	"sync"

	"github.com/rendis/procflow/internal/notify"
)

// dispatcherSwapper is a notify.Dispatcher that allows atomic replacement.
// The engine is built before the MCP server whose notifier it feeds, so the
// engine gets the swapper and the real fanout is swapped in afterwards.
type dispatcherSwapper struct {
	mu         sync.RWMutex
	dispatcher notify.Dispatcher
}

func newDispatcherSwapper(d notify.Dispatcher) *dispatcherSwapper {
	return &dispatcherSwapper{dispatcher: d}
}

func (s *dispatcherSwapper) Publish(ctx context.Context, n notify.Notification) error {
	s.mu.RLock()
	d := s.dispatcher
	s.mu.RUnlock()
	return d.Publish(ctx, n)
}

// Swap replaces the underlying dispatcher atomically.
func (s *dispatcherSwapper) Swap(d notify.Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}
