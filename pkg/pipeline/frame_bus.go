package pipeline

import (
	"log"
	"sync"
	"sync/atomic"
)

// FrameBus fans inbound frames out to named subscribers.
//
// Publish never blocks: a subscriber whose buffer is full misses the frame
// and its drop counter is incremented.
type FrameBus struct {
	mu     sync.RWMutex
	subs   map[string]*frameSub
	closed bool
}

type frameSub struct {
	ch      chan AudioFrame
	dropped atomic.Uint64
}

// NewFrameBus creates an empty bus.
func NewFrameBus() *FrameBus {
	return &FrameBus{subs: make(map[string]*frameSub)}
}

// Subscribe registers a subscriber and returns its receive channel.
// Subscribing twice under the same name returns the existing channel.
func (b *FrameBus) Subscribe(name string, buffer int) <-chan AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[name]; ok {
		return s.ch
	}
	if buffer <= 0 {
		buffer = 1
	}
	s := &frameSub{ch: make(chan AudioFrame, buffer)}
	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs[name] = s
	return s.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *FrameBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[name]; ok {
		delete(b.subs, name)
		close(s.ch)
	}
}

// Publish delivers the frame to every subscriber with room in its buffer
// and returns the number of deliveries.
func (b *FrameBus) Publish(frame AudioFrame) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	delivered := 0
	for name, s := range b.subs {
		select {
		case s.ch <- frame:
			delivered++
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Printf("[FrameBus] subscriber %s is full, dropped %d frames", name, n)
			}
		}
	}
	return delivered
}

// Dropped returns how many frames the named subscriber has missed.
func (b *FrameBus) Dropped(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if s, ok := b.subs[name]; ok {
		return s.dropped.Load()
	}
	return 0
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *FrameBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for name, s := range b.subs {
		close(s.ch)
		delete(b.subs, name)
	}
}
