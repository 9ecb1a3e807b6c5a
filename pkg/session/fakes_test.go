package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/realtime-ai/callflow/pkg/asr"
	"github.com/realtime-ai/callflow/pkg/llm"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/store"
	"github.com/realtime-ai/callflow/pkg/tts"
	"github.com/stretchr/testify/require"
)

// fakeTranscriber records control calls. When reply is set, Finalize
// answers through it on another goroutine.
type fakeTranscriber struct {
	mu        sync.Mutex
	begun     []uint64
	finalized []uint64
	abandoned []uint64
	expired   []uint64
	available error
	reply     func(id uint64)
}

func (f *fakeTranscriber) Begin(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, id)
}

func (f *fakeTranscriber) Finalize(id uint64) {
	f.mu.Lock()
	f.finalized = append(f.finalized, id)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		go reply(id)
	}
}

func (f *fakeTranscriber) Abandon(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, id)
}

func (f *fakeTranscriber) Expire(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
}

func (f *fakeTranscriber) Available() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeTranscriber) setAvailable(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = err
}

func (f *fakeTranscriber) begunIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.begun...)
}

func (f *fakeTranscriber) expiredIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.expired...)
}

func (f *fakeTranscriber) abandonedIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.abandoned...)
}

// fakeLLM replays reply as one delta per element.
type fakeLLM struct {
	name      string
	reply     []string
	streamErr error

	mu       sync.Mutex
	requests []llm.Request
}

func (p *fakeLLM) Name() string { return p.name }

func (p *fakeLLM) Stream(_ context.Context, req llm.Request) (llm.ChunkIterator, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return &fakeIterator{deltas: p.reply}, nil
}

func (p *fakeLLM) calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

type fakeIterator struct {
	deltas []string
	i      int
}

func (it *fakeIterator) Next(ctx context.Context) (llm.Delta, error) {
	if err := ctx.Err(); err != nil {
		return llm.Delta{}, err
	}
	if it.i >= len(it.deltas) {
		return llm.Delta{}, io.EOF
	}
	it.i++
	return llm.Delta{Ordinal: it.i, Text: it.deltas[it.i-1]}, nil
}

func (it *fakeIterator) Close() error { return nil }

// fakeTTS speaks every phrase as framesPerPhrase frames of 16 kHz audio.
type fakeTTS struct {
	name            string
	framesPerPhrase int
	err             error
	delay           time.Duration // before the first frame

	mu    sync.Mutex
	texts []string
}

func (p *fakeTTS) Name() string { return p.name }

func (p *fakeTTS) StreamSynthesize(ctx context.Context, req *tts.SynthesizeRequest) (<-chan []byte, <-chan error) {
	p.mu.Lock()
	p.texts = append(p.texts, req.Text)
	p.mu.Unlock()

	audioCh := make(chan []byte, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(audioCh)
		defer close(errCh)
		if p.err != nil {
			errCh <- p.err
			return
		}
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return
		}
		frame := bytes.Repeat([]byte{1, 0}, pipeline.BytesPerFrame(req.SampleRate, pipeline.DefaultFrameDuration)/2)
		for range p.framesPerPhrase {
			select {
			case audioCh <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, errCh
}

func (p *fakeTTS) spoken() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// recordingSink keeps everything the controller sent, in order.
type recordingSink struct {
	mu      sync.Mutex
	frames  []pipeline.AudioFrame
	events  []Event
	order   []string
	onFrame func(pipeline.AudioFrame)
	eventCh chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{eventCh: make(chan Event, 1024)}
}

func (s *recordingSink) SendFrame(f pipeline.AudioFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.order = append(s.order, "frame")
	hook := s.onFrame
	s.mu.Unlock()
	if hook != nil {
		hook(f)
	}
}

func (s *recordingSink) SendEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.order = append(s.order, string(ev.Kind))
	s.mu.Unlock()
	s.eventCh <- ev
}

func (s *recordingSink) framesOf(responseID uint64) []pipeline.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.AudioFrame
	for _, f := range s.frames {
		if f.ResponseID == responseID {
			out = append(out, f)
		}
	}
	return out
}

func (s *recordingSink) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, ev := range s.events {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func (s *recordingSink) orderSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// waitFor returns the first event of kind that satisfies match.
func (s *recordingSink) waitFor(t *testing.T, kind EventKind, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.eventCh:
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

type memRecorder struct {
	mu      sync.Mutex
	records []store.CallRecord
}

func (r *memRecorder) Save(_ context.Context, rec store.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) saved() []store.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.CallRecord(nil), r.records...)
}

type harness struct {
	ctrl     *TurnController
	asr      *fakeTranscriber
	llm      *fakeLLM
	tts      *fakeTTS
	sink     *recordingSink
	recorder *memRecorder
	bus      *pipeline.FrameBus
}

func newHarness(t *testing.T, l *fakeLLM, s *fakeTTS, mutate func(*Config)) *harness {
	t.Helper()
	reg := provider.NewRegistry(provider.HealthConfig{UnavailableAfter: 2, RecoveryAfter: time.Hour})

	gens := provider.NewSet[llm.Provider](reg, provider.Generate)
	require.NoError(t, gens.Add(provider.Descriptor{Name: l.name}, l))
	synths := provider.NewSet[tts.Provider](reg, provider.Synthesize)
	require.NoError(t, synths.Add(provider.Descriptor{Name: s.name}, s))

	h := &harness{
		asr:      &fakeTranscriber{},
		llm:      l,
		tts:      s,
		sink:     newRecordingSink(),
		recorder: &memRecorder{},
		bus:      pipeline.NewFrameBus(),
	}
	cfg := DefaultConfig()
	cfg.Playout = time.Millisecond
	cfg.FinalWait = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	var ctrl *TurnController
	onFailover := func(f provider.Failover) { ctrl.OnFailover(f) }
	ctrl = NewTurnController("call-1", Stages{
		Bus:         h.bus,
		Transcriber: h.asr,
		Generator:   llm.NewGenerator(gens, nil, llm.Config{OnFailover: onFailover}),
		Synthesizer: tts.NewSynthesizer(synths, nil, tts.Config{OnFailover: onFailover}),
		Recorder:    h.recorder,
	}, cfg, h.sink)
	h.ctrl = ctrl
	ctrl.Start(context.Background())
	t.Cleanup(func() {
		ctrl.OnCallEnd()
		<-ctrl.Done()
	})
	return h
}

// answer makes every Finalize produce text as the final transcript.
func (h *harness) answer(text string) {
	h.asr.mu.Lock()
	defer h.asr.mu.Unlock()
	h.asr.reply = func(id uint64) {
		h.ctrl.OnTranscriptEvent(asr.TranscriptEvent{UtteranceID: id, Text: text, IsFinal: true, Provider: "fake"})
	}
}

func (h *harness) hangup(t *testing.T) store.CallRecord {
	t.Helper()
	h.ctrl.OnCallEnd()
	select {
	case <-h.ctrl.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
	recs := h.recorder.saved()
	require.Len(t, recs, 1)
	return recs[0]
}

var errBackendDown = errors.New("503 service unavailable")
