// Package pipeline carries audio frames between the stages of a call.
//
// Frames enter from the telephony leg, are fanned out by FrameBus to the
// VAD and transcription stages, and leave again as outbound frames produced
// by speech synthesis.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultSampleRate is the sample rate used inside the pipeline.
	DefaultSampleRate = 16000
	// BytesPerSample for 16-bit mono PCM.
	BytesPerSample = 2
	// DefaultFrameDuration is the fixed frame length.
	DefaultFrameDuration = 20 * time.Millisecond
)

// ErrMalformedAudio is returned for frames that cannot be processed.
// Such frames are dropped; the call continues.
var ErrMalformedAudio = errors.New("malformed audio frame")

// Direction tells which way a frame travels.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// AudioFrame is a fixed-duration chunk of 16-bit little-endian mono PCM.
//
// Frames are values and are never modified after they are sent. Inbound
// frames are numbered per call; outbound frames are numbered from 1 within
// their response.
type AudioFrame struct {
	Seq        uint64
	ResponseID uint64 // outbound only
	CapturedAt time.Time
	Duration   time.Duration
	SampleRate int
	PCM        []byte
	Direction  Direction
}

// BytesPerFrame returns the payload size of a frame with the given rate and duration.
func BytesPerFrame(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * BytesPerSample
}

// End returns the timestamp just after the last sample of the frame.
func (f AudioFrame) End() time.Time {
	return f.CapturedAt.Add(f.Duration)
}

// Samples returns the number of PCM samples in the frame.
func (f AudioFrame) Samples() int {
	return len(f.PCM) / BytesPerSample
}

// Validate checks the payload against the expected sample rate.
func (f AudioFrame) Validate(sampleRate int) error {
	if len(f.PCM) == 0 {
		return fmt.Errorf("%w: empty payload (seq=%d)", ErrMalformedAudio, f.Seq)
	}
	if len(f.PCM)%BytesPerSample != 0 {
		return fmt.Errorf("%w: odd payload length %d (seq=%d)", ErrMalformedAudio, len(f.PCM), f.Seq)
	}
	if f.SampleRate != 0 && f.SampleRate != sampleRate {
		return fmt.Errorf("%w: sample rate %d, want %d (seq=%d)", ErrMalformedAudio, f.SampleRate, sampleRate, f.Seq)
	}
	if f.Duration > 0 && f.SampleRate > 0 {
		if want := BytesPerFrame(f.SampleRate, f.Duration); want != len(f.PCM) {
			return fmt.Errorf("%w: %d bytes for %v, want %d (seq=%d)", ErrMalformedAudio, len(f.PCM), f.Duration, want, f.Seq)
		}
	}
	return nil
}
