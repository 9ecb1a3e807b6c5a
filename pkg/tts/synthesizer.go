package tts

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/realtime-ai/callflow/pkg/audio"
	"github.com/realtime-ai/callflow/pkg/llm"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
)

// Config tunes a Synthesizer.
type Config struct {
	SampleRate    int
	FrameDuration time.Duration
	Voice         string
	Language      string
	Policy        provider.Policy
	// FirstFrameTimeout bounds the wait for the first audio of a phrase.
	FirstFrameTimeout time.Duration
	OnFailover        provider.FailoverFunc
}

// DefaultConfig returns 16 kHz, 20 ms frames and a 500 ms first-frame deadline.
func DefaultConfig() Config {
	return Config{
		SampleRate:        pipeline.DefaultSampleRate,
		FrameDuration:     pipeline.DefaultFrameDuration,
		FirstFrameTimeout: 500 * time.Millisecond,
	}
}

// Synthesizer speaks the replies of one call.
type Synthesizer struct {
	set     *provider.Set[Provider]
	exclude *provider.Excluder
	cfg     Config
}

// NewSynthesizer binds a synthesizer to the backends in set. exclude is the
// call's failed-backend list.
func NewSynthesizer(set *provider.Set[Provider], exclude *provider.Excluder, cfg Config) *Synthesizer {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	if cfg.FirstFrameTimeout <= 0 {
		cfg.FirstFrameTimeout = def.FirstFrameTimeout
	}
	if exclude == nil {
		exclude = &provider.Excluder{}
	}
	return &Synthesizer{set: set, exclude: exclude, cfg: cfg}
}

// Available reports whether a backend is left for this call.
func (s *Synthesizer) Available() error {
	_, _, err := s.set.Select(s.cfg.Policy, s.exclude.List()...)
	return err
}

// Start opens the audio stream of one response. Chunks are fed with
// Enqueue.
func (s *Synthesizer) Start(ctx context.Context, responseID uint64) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		ResponseID: responseID,
		s:          s,
		framer:     audio.NewFramer(s.cfg.SampleRate, s.cfg.FrameDuration),
		pending:    make(map[uint64]llm.ResponseChunk),
		next:       1,
		wake:       make(chan struct{}, 1),
		frames:     make(chan pipeline.AudioFrame, 50),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go st.run()
	return st
}

// Speak is Start followed by a single final chunk.
func (s *Synthesizer) Speak(ctx context.Context, responseID uint64, text string) *Stream {
	st := s.Start(ctx, responseID)
	st.Enqueue(llm.ResponseChunk{ResponseID: responseID, Seq: 1, Text: text, IsFinal: true})
	return st
}

// chunkMark records the first frame carrying audio of a chunk.
type chunkMark struct {
	chunk uint64
	frame uint64
}

// Stream is the audio of one response.
type Stream struct {
	ResponseID uint64

	s      *Synthesizer
	framer *audio.Framer

	mu      sync.Mutex
	pending map[uint64]llm.ResponseChunk
	next    uint64
	last    uint64 // Seq of the final chunk, 0 until it is enqueued
	marks   []chunkMark
	err     error

	wake   chan struct{}
	frames chan pipeline.AudioFrame
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	seq    uint64
}

// Enqueue hands a chunk to the stream. It never blocks. Chunks may arrive
// out of order; they are spoken by Seq. Duplicates and chunks after the
// final one are ignored.
func (st *Stream) Enqueue(c llm.ResponseChunk) {
	st.mu.Lock()
	_, dup := st.pending[c.Seq]
	if dup || c.Seq < st.next || st.last != 0 && (c.IsFinal || c.Seq > st.last) {
		st.mu.Unlock()
		return
	}
	st.pending[c.Seq] = c
	if c.IsFinal {
		st.last = c.Seq
	}
	st.mu.Unlock()

	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// Frames carries outbound frames numbered from 1. It is closed when the
// response is fully spoken, fails or is cancelled.
func (st *Stream) Frames() <-chan pipeline.AudioFrame { return st.frames }

// Done is closed after Frames.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Err is nil after a complete response, context.Canceled after Cancel, or
// an error wrapping provider.ErrExhausted. Valid once Done is closed.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// ChunkAt returns the Seq of the last chunk whose audio had started by
// frame seq, or 0 if none had.
func (st *Stream) ChunkAt(frame uint64) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	var chunk uint64
	for _, m := range st.marks {
		if m.frame > frame {
			break
		}
		chunk = m.chunk
	}
	return chunk
}

func (st *Stream) mark(chunk uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if n := len(st.marks); n > 0 && st.marks[n-1].chunk == chunk {
		return
	}
	st.marks = append(st.marks, chunkMark{chunk: chunk, frame: st.seq + 1})
}

// Cancel stops synthesis and discards frames not yet read. Frames yields
// nothing more once Cancel returns.
func (st *Stream) Cancel() {
	st.cancel()
	<-st.done
	for range st.frames {
	}
}

func (st *Stream) run() {
	defer close(st.done)
	defer close(st.frames)
	defer st.cancel()

	for {
		c, ok := st.nextChunk()
		if !ok {
			st.finish(context.Canceled)
			return
		}
		if c.Text != "" {
			if err := st.speak(c); err != nil {
				st.finish(err)
				return
			}
		}
		if c.IsFinal {
			if tail := st.framer.Flush(); tail != nil {
				st.emit(tail)
			}
			if st.ctx.Err() != nil {
				st.finish(context.Canceled)
				return
			}
			st.finish(nil)
			return
		}
	}
}

func (st *Stream) finish(err error) {
	st.mu.Lock()
	st.err = err
	st.mu.Unlock()
}

// nextChunk waits for the chunk with the next Seq.
func (st *Stream) nextChunk() (llm.ResponseChunk, bool) {
	for {
		st.mu.Lock()
		c, ok := st.pending[st.next]
		if ok {
			delete(st.pending, st.next)
			st.next++
		}
		st.mu.Unlock()
		if ok {
			return c, true
		}

		select {
		case <-st.wake:
		case <-st.ctx.Done():
			return llm.ResponseChunk{}, false
		}
	}
}

// speak synthesizes one chunk, moving to the next backend on failure. A
// backend that fails before producing audio has the chunk retried on the
// next one; one that fails midway hands the following chunks over.
func (st *Stream) speak(c llm.ResponseChunk) error {
	s := st.s
	for {
		name, impl, err := s.set.Select(s.cfg.Policy, s.exclude.List()...)
		if err != nil {
			return err
		}

		got, err := st.synthesize(name, impl, c)
		if err == nil {
			s.set.ReportSuccess(name)
			return nil
		}
		if st.ctx.Err() != nil {
			return context.Canceled
		}

		perr := provider.Classify(provider.Synthesize, name, err)
		log.Printf("[Synthesis] response %d chunk %d: %v", st.ResponseID, c.Seq, perr)
		s.set.ReportFailure(name, perr)
		s.exclude.Add(name)
		next, _, _ := s.set.Select(s.cfg.Policy, s.exclude.List()...)
		if s.cfg.OnFailover != nil {
			s.cfg.OnFailover(provider.Failover{Capability: provider.Synthesize, From: name, To: next, Err: perr})
		}
		if got > 0 {
			return nil
		}
	}
}

// synthesize streams one chunk from one backend and returns the number of
// audio bytes received.
func (st *Stream) synthesize(name string, impl Provider, c llm.ResponseChunk) (got int, err error) {
	ctx, span := trace.InstrumentSynthesis(st.ctx, st.ResponseID, name, len(c.Text))
	defer func() {
		trace.RecordError(span, err)
		span.SetAttributes(attribute.Int64(trace.AttrFrameCount, int64(st.seq)))
		span.End()
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := st.s.cfg
	audioCh, errCh := impl.StreamSynthesize(ctx, &SynthesizeRequest{
		Text:       c.Text,
		Voice:      cfg.Voice,
		Language:   cfg.Language,
		SampleRate: cfg.SampleRate,
	})

	firstFrame := time.NewTimer(cfg.FirstFrameTimeout)
	defer firstFrame.Stop()

	for audioCh != nil || errCh != nil {
		select {
		case data, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			if len(data) == 0 {
				continue
			}
			if got == 0 {
				firstFrame.Stop()
				st.mark(c.Seq)
			}
			got += len(data)
			for _, pcm := range st.framer.Write(data) {
				if !st.emit(pcm) {
					return got, st.ctx.Err()
				}
			}

		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if e != nil {
				return got, e
			}

		case <-firstFrame.C:
			if got == 0 {
				return 0, fmt.Errorf("no audio within %s: %w", cfg.FirstFrameTimeout, provider.ErrTimeout)
			}

		case <-st.ctx.Done():
			return got, st.ctx.Err()
		}
	}
	return got, nil
}

func (st *Stream) emit(pcm []byte) bool {
	if st.ctx.Err() != nil {
		return false
	}
	st.seq++
	frame := pipeline.AudioFrame{
		Seq:        st.seq,
		ResponseID: st.ResponseID,
		CapturedAt: time.Now(),
		Duration:   st.s.cfg.FrameDuration,
		SampleRate: st.s.cfg.SampleRate,
		PCM:        pcm,
		Direction:  pipeline.Outbound,
	}
	select {
	case st.frames <- frame:
		return true
	case <-st.ctx.Done():
		st.seq--
		return false
	}
}
