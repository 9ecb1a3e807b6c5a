package vad

import (
	"fmt"
	"time"

	"github.com/realtime-ai/callflow/pkg/audio"
	"github.com/realtime-ai/callflow/pkg/pipeline"
)

// EventKind distinguishes segment boundaries.
type EventKind int

const (
	SpeechStart EventKind = iota
	SpeechEnd
)

func (k EventKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// SpeechSegment is a stretch of caller speech. End is zero while the
// segment is still open.
type SpeechSegment struct {
	Start      time.Time
	End        time.Time
	Confidence float32
}

// Open reports whether the segment has not been closed yet.
func (s SpeechSegment) Open() bool {
	return s.End.IsZero()
}

// Event marks the opening or closing of a segment.
type Event struct {
	Kind     EventKind
	Segment  SpeechSegment
	FrameSeq uint64
	At       time.Time
}

// SegmenterConfig holds the turn-taking knobs.
type SegmenterConfig struct {
	// Threshold is the probability needed to count a frame as speech.
	Threshold float32
	// EndThreshold is the probability below which an open segment counts
	// a frame as silence. Zero means Threshold - 0.15.
	EndThreshold float32
	// StartFrames consecutive speech frames open a segment.
	StartFrames int
	// Hangover is the sustained silence that closes a segment.
	Hangover time.Duration
}

// DefaultSegmenterConfig returns the starting-point values.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		Threshold:   0.5,
		StartFrames: 3,
		Hangover:    500 * time.Millisecond,
	}
}

// Segmenter turns per-frame scores into SpeechStart/SpeechEnd events.
// Timing is measured on frame timestamps, not the wall clock, so the result
// does not depend on how fast frames are processed.
//
// A Segmenter is not safe for concurrent use; one goroutine feeds it.
type Segmenter struct {
	detector Detector
	cfg      SegmenterConfig

	speaking       bool
	voicedRun      int
	candidateStart time.Time
	silenceSince   time.Time
	confSum        float64
	confN          int
	segment        SpeechSegment
}

// NewSegmenter wraps a detector.
func NewSegmenter(detector Detector, cfg SegmenterConfig) *Segmenter {
	def := DefaultSegmenterConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.EndThreshold <= 0 || cfg.EndThreshold > cfg.Threshold {
		cfg.EndThreshold = max(cfg.Threshold-0.15, 0.01)
	}
	if cfg.StartFrames <= 0 {
		cfg.StartFrames = def.StartFrames
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = def.Hangover
	}
	return &Segmenter{detector: detector, cfg: cfg}
}

// Process scores one frame and returns a boundary event, if any.
func (s *Segmenter) Process(frame pipeline.AudioFrame) (*Event, error) {
	prob, err := s.detector.Infer(audio.BytesToFloat32(frame.PCM))
	if err != nil {
		return nil, fmt.Errorf("vad infer (seq=%d): %w", frame.Seq, err)
	}
	return s.Observe(frame, prob), nil
}

// Observe applies an already computed probability for frame.
func (s *Segmenter) Observe(frame pipeline.AudioFrame, prob float32) *Event {
	if !s.speaking {
		if prob < s.cfg.Threshold {
			s.voicedRun = 0
			s.confSum, s.confN = 0, 0
			return nil
		}
		if s.voicedRun == 0 {
			s.candidateStart = frame.CapturedAt
		}
		s.voicedRun++
		s.addConfidence(prob)
		if s.voicedRun < s.cfg.StartFrames {
			return nil
		}

		s.speaking = true
		s.silenceSince = time.Time{}
		s.segment = SpeechSegment{Start: s.candidateStart, Confidence: s.confidence()}
		return &Event{Kind: SpeechStart, Segment: s.segment, FrameSeq: frame.Seq, At: frame.End()}
	}

	if prob >= s.cfg.EndThreshold {
		s.silenceSince = time.Time{}
		s.addConfidence(prob)
		return nil
	}

	if s.silenceSince.IsZero() {
		s.silenceSince = frame.CapturedAt
	}
	if frame.End().Sub(s.silenceSince) < s.cfg.Hangover {
		return nil
	}

	s.segment.End = s.silenceSince
	s.segment.Confidence = s.confidence()
	ev := &Event{Kind: SpeechEnd, Segment: s.segment, FrameSeq: frame.Seq, At: frame.End()}
	s.clear()
	return ev
}

// Speaking reports whether a segment is open.
func (s *Segmenter) Speaking() bool {
	return s.speaking
}

// Reset drops any open segment and resets the detector.
func (s *Segmenter) Reset() error {
	s.clear()
	return s.detector.Reset()
}

// Config returns the effective configuration.
func (s *Segmenter) Config() SegmenterConfig {
	return s.cfg
}

func (s *Segmenter) clear() {
	s.speaking = false
	s.voicedRun = 0
	s.silenceSince = time.Time{}
	s.confSum, s.confN = 0, 0
	s.segment = SpeechSegment{}
}

func (s *Segmenter) addConfidence(p float32) {
	s.confSum += float64(p)
	s.confN++
}

func (s *Segmenter) confidence() float32 {
	if s.confN == 0 {
		return 0
	}
	return float32(s.confSum / float64(s.confN))
}
