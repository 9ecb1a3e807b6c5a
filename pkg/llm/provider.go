// Package llm streams agent replies from text-generation backends and cuts
// them into phrases for synthesis.
package llm

import (
	"context"
	"io"
	"sync"
)

// Role of a prompt message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior turn in the prompt.
type Message struct {
	Role    Role
	Content string
}

// Request is a backend-neutral prompt.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// Delta is a fragment of generated text. Ordinal counts from 1 within one
// stream; zero means "next".
type Delta struct {
	Ordinal int
	Text    string
	Final   bool
}

// ChunkIterator yields deltas until io.EOF.
type ChunkIterator interface {
	Next(ctx context.Context) (Delta, error)
	Close() error
}

// Provider is a streaming text-generation backend.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (ChunkIterator, error)
}

// pumpIterator adapts a blocking read loop to ChunkIterator. read calls
// emit for each text fragment and returns when the backend stream ends;
// emit returns false once the iterator is closed. emit blocks until Next
// takes the delta, so the backend is read no further ahead than one delta.
type pumpIterator struct {
	deltas chan Delta
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newPumpIterator(ctx context.Context, read func(ctx context.Context, emit func(text string) bool) error) *pumpIterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &pumpIterator{deltas: make(chan Delta), cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(it.done)
		defer close(it.deltas)
		ordinal := 0
		err := read(ctx, func(text string) bool {
			if text == "" {
				return ctx.Err() == nil
			}
			ordinal++
			select {
			case it.deltas <- Delta{Ordinal: ordinal, Text: text}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		it.mu.Lock()
		it.err = err
		it.mu.Unlock()
	}()
	return it
}

func (it *pumpIterator) Next(ctx context.Context) (Delta, error) {
	select {
	case d, ok := <-it.deltas:
		if ok {
			return d, nil
		}
		it.mu.Lock()
		defer it.mu.Unlock()
		if it.err != nil {
			return Delta{}, it.err
		}
		return Delta{}, io.EOF
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
}

func (it *pumpIterator) Close() error {
	it.cancel()
	<-it.done
	return nil
}
