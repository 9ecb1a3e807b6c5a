// Package asr turns caller audio into transcript events.
//
// Vendor backends implement Provider. Stream drives one backend connection
// per utterance on behalf of a call, with reconnect-and-replay and
// registry-based failover between utterances.
package asr

import (
	"context"
	"time"
)

// RecognitionResult is what a backend reports for buffered audio.
type RecognitionResult struct {
	Text string
	// IsFinal marks the result for all audio up to the last Finalize.
	IsFinal bool
	// Confidence in [0, 1], or -1 when the backend does not report it.
	Confidence float32
	Language   string
	Timestamp  time.Time
}

// AudioConfig describes the PCM sent to a backend.
type AudioConfig struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultAudioConfig is 16 kHz mono 16-bit PCM.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// RecognitionConfig carries recognition options.
type RecognitionConfig struct {
	Language string
	Model    string
	Prompt   string
}

// StreamingRecognizer is one live recognition session.
type StreamingRecognizer interface {
	// SendAudio queues PCM for recognition.
	SendAudio(ctx context.Context, pcm []byte) error

	// Finalize asks for a final result covering all audio sent so far.
	Finalize(ctx context.Context) error

	// Results delivers partial and final results. It is closed when the
	// session ends, either through Close or because the backend went away.
	Results() <-chan *RecognitionResult

	// Close ends the session and releases resources.
	Close() error
}

// Provider is a speech-to-text backend.
type Provider interface {
	Name() string
	StreamingRecognize(ctx context.Context, audio AudioConfig, cfg RecognitionConfig) (StreamingRecognizer, error)
}

// TranscriptEvent is emitted by Stream for one utterance.
//
// Any number of partial events are followed by exactly one final event,
// unless the utterance is abandoned or fails. On failure Err is set and
// Text is empty.
type TranscriptEvent struct {
	UtteranceID uint64
	Text        string
	IsFinal     bool
	Confidence  float32
	Start       time.Time
	End         time.Time
	Provider    string
	Err         error
}
