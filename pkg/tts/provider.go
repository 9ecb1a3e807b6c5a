// Package tts turns the phrases of an agent reply into outbound audio
// frames, failing over between speech synthesis backends.
package tts

import (
	"context"
)

// SynthesizeRequest asks a backend to speak one phrase.
type SynthesizeRequest struct {
	Text     string
	Voice    string // backend voice id; empty selects the configured default
	Language string // BCP-47 tag, e.g. "en-US"
	// SampleRate of the PCM16 mono audio the backend must emit.
	SampleRate int
}

// Provider is a streaming speech synthesis backend.
//
// StreamSynthesize returns immediately. Audio chunks arrive on the first
// channel as they are produced; their size is arbitrary. The error channel
// carries at most one error and both channels are closed when synthesis
// ends. Cancelling ctx stops the backend.
type Provider interface {
	Name() string
	StreamSynthesize(ctx context.Context, req *SynthesizeRequest) (<-chan []byte, <-chan error)
}

// streamSynthesize runs fn on its own goroutine with the channel layout
// Provider requires.
func streamSynthesize(ctx context.Context, fn func(ctx context.Context, audio chan<- []byte) error) (<-chan []byte, <-chan error) {
	audioChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(audioChan)
		defer close(errChan)

		if err := fn(ctx, audioChan); err != nil {
			errChan <- err
		}
	}()

	return audioChan, errChan
}

// send delivers one chunk unless ctx is done.
func send(ctx context.Context, audio chan<- []byte, chunk []byte) error {
	select {
	case audio <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
