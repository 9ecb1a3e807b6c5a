package asr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name string

	mu       sync.Mutex
	dials    int
	dialErr  error
	drops    int // sessions that die on Finalize before answering
	text     string
	sessions []*fakeRecognizer
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) StreamingRecognize(ctx context.Context, _ AudioConfig, _ RecognitionConfig) (StreamingRecognizer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	r := &fakeRecognizer{p: p, results: make(chan *RecognitionResult, 8), drop: p.drops > 0}
	if p.drops > 0 {
		p.drops--
	}
	p.sessions = append(p.sessions, r)
	return r, nil
}

func (p *fakeProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func (p *fakeProvider) lastSession() *fakeRecognizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

type fakeRecognizer struct {
	p       *fakeProvider
	drop    bool
	results chan *RecognitionResult

	mu     sync.Mutex
	audio  []byte
	closed bool
}

func (r *fakeRecognizer) SendAudio(_ context.Context, pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRecognizerClosed
	}
	r.audio = append(r.audio, pcm...)
	return nil
}

func (r *fakeRecognizer) Finalize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRecognizerClosed
	}
	if r.drop {
		r.closed = true
		close(r.results)
		return nil
	}
	r.results <- &RecognitionResult{Text: r.p.text, IsFinal: true, Confidence: 0.9}
	return nil
}

func (r *fakeRecognizer) Results() <-chan *RecognitionResult { return r.results }

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.results)
	}
	return nil
}

func (r *fakeRecognizer) audioLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audio)
}

func (r *fakeRecognizer) partial(text string, final bool) {
	r.results <- &RecognitionResult{Text: text, IsFinal: final}
}

var streamEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testFrame(seq uint64) pipeline.AudioFrame {
	return pipeline.AudioFrame{
		Seq:        seq,
		CapturedAt: streamEpoch.Add(time.Duration(seq) * pipeline.DefaultFrameDuration),
		Duration:   pipeline.DefaultFrameDuration,
		SampleRate: pipeline.DefaultSampleRate,
		PCM:        make([]byte, 640),
	}
}

type streamHarness struct {
	reg       *provider.Registry
	stream    *Stream
	failovers chan provider.Failover
}

func newHarness(t *testing.T, providers ...*fakeProvider) *streamHarness {
	t.Helper()
	reg := provider.NewRegistry(provider.HealthConfig{UnavailableAfter: 2, RecoveryAfter: time.Hour})
	set := provider.NewSet[Provider](reg, provider.Transcribe)
	for i, p := range providers {
		require.NoError(t, set.Add(provider.Descriptor{Name: p.name, LatencyRank: i}, p))
	}

	h := &streamHarness{reg: reg, failovers: make(chan provider.Failover, 8)}
	cfg := DefaultStreamConfig()
	cfg.OnFailover = func(f provider.Failover) { h.failovers <- f }
	h.stream = NewStream("call-1", set, &provider.Excluder{}, cfg)
	h.stream.Start(context.Background())
	t.Cleanup(h.stream.Close)
	return h
}

func (h *streamHarness) next(t *testing.T) TranscriptEvent {
	t.Helper()
	select {
	case ev := <-h.stream.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript event")
		return TranscriptEvent{}
	}
}

func (h *streamHarness) feed(from, to uint64) {
	for seq := from; seq <= to; seq++ {
		h.stream.Feed(testFrame(seq))
	}
}

func TestStreamFinalWithPreRoll(t *testing.T) {
	p := &fakeProvider{name: "a", text: "book a table"}
	h := newHarness(t, p)

	h.feed(1, 5) // pre-roll
	h.stream.Begin(1)
	h.feed(6, 10)
	h.stream.Finalize(1)

	ev := h.next(t)
	require.NoError(t, ev.Err)
	assert.True(t, ev.IsFinal)
	assert.Equal(t, uint64(1), ev.UtteranceID)
	assert.Equal(t, "book a table", ev.Text)
	assert.Equal(t, "a", ev.Provider)
	assert.Equal(t, testFrame(10).End(), ev.End)
	assert.Equal(t, testFrame(1).CapturedAt, ev.Start)
	assert.Equal(t, 10*640, p.lastSession().audioLen(), "pre-roll is replayed ahead of live audio")
}

func TestStreamPreRollIsBounded(t *testing.T) {
	p := &fakeProvider{name: "a", text: "hi"}
	h := newHarness(t, p)

	h.feed(1, 40) // 800ms, only 300ms kept
	h.stream.Begin(1)
	h.stream.Finalize(1)

	require.True(t, h.next(t).IsFinal)
	assert.Equal(t, 15*640, p.lastSession().audioLen())
}

func TestStreamPartialsThenSingleFinal(t *testing.T) {
	p := &fakeProvider{name: "a", text: "late"}
	h := newHarness(t, p)

	h.stream.Begin(1)
	h.feed(1, 3)
	require.Eventually(t, func() bool { return p.lastSession() != nil }, time.Second, 5*time.Millisecond)
	rec := p.lastSession()

	rec.partial("hel", false)
	ev := h.next(t)
	assert.False(t, ev.IsFinal)
	assert.Equal(t, "hel", ev.Text)

	// an unrequested commit is folded into later text
	rec.partial("hello", true)
	ev = h.next(t)
	assert.False(t, ev.IsFinal)
	assert.Equal(t, "hello", ev.Text)

	h.stream.Finalize(1)
	ev = h.next(t)
	assert.True(t, ev.IsFinal)
	assert.Equal(t, "hello late", ev.Text)

	h.stream.Finalize(1)
	select {
	case ev := <-h.stream.Events():
		t.Fatalf("unexpected event after final: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamReconnectsOnceAndReplays(t *testing.T) {
	p := &fakeProvider{name: "a", text: "recovered", drops: 1}
	h := newHarness(t, p)

	h.stream.Begin(1)
	h.feed(1, 20)
	h.stream.Finalize(1)

	ev := h.next(t)
	require.NoError(t, ev.Err)
	assert.True(t, ev.IsFinal)
	assert.Equal(t, "recovered", ev.Text)
	assert.Equal(t, 2, p.dialCount())
	assert.Equal(t, 20*640, p.lastSession().audioLen(), "utterance audio replayed after reconnect")

	health, _ := h.reg.Health(provider.Transcribe, "a")
	assert.Equal(t, provider.Healthy, health)
	assert.Empty(t, h.failovers)
}

func TestStreamSecondDropFailsUtteranceAndFailsOver(t *testing.T) {
	a := &fakeProvider{name: "a", text: "never", drops: 2}
	b := &fakeProvider{name: "b", text: "from b"}
	h := newHarness(t, a, b)

	h.stream.Begin(1)
	h.feed(1, 10)
	h.stream.Finalize(1)

	ev := h.next(t)
	require.Error(t, ev.Err)
	assert.ErrorIs(t, ev.Err, provider.ErrUnavailable)
	assert.Equal(t, uint64(1), ev.UtteranceID)
	assert.Equal(t, "a", ev.Provider)
	assert.Empty(t, ev.Text)
	assert.Equal(t, 0, b.dialCount(), "no switching inside an utterance")

	f := <-h.failovers
	assert.Equal(t, provider.Failover{Capability: provider.Transcribe, From: "a", To: "b", Err: f.Err}, f)

	health, _ := h.reg.Health(provider.Transcribe, "a")
	assert.Equal(t, provider.Degraded, health)
	require.NoError(t, h.stream.Available())

	h.stream.Begin(2)
	h.feed(11, 15)
	h.stream.Finalize(2)
	ev = h.next(t)
	require.NoError(t, ev.Err)
	assert.Equal(t, "from b", ev.Text)
	assert.Equal(t, "b", ev.Provider)
}

func TestStreamDialFailureSwitchesBeforeAudio(t *testing.T) {
	a := &fakeProvider{name: "a", dialErr: errors.New("503")}
	b := &fakeProvider{name: "b", text: "ok"}
	h := newHarness(t, a, b)

	h.stream.Begin(1)
	h.feed(1, 5)
	h.stream.Finalize(1)

	ev := h.next(t)
	require.NoError(t, ev.Err)
	assert.Equal(t, "b", ev.Provider)
	assert.Equal(t, "a", (<-h.failovers).From)
}

func TestStreamExhausted(t *testing.T) {
	a := &fakeProvider{name: "a", drops: 2}
	b := &fakeProvider{name: "b", dialErr: context.DeadlineExceeded}
	h := newHarness(t, a, b)

	h.stream.Begin(1)
	h.feed(1, 5)
	h.stream.Finalize(1)
	require.ErrorIs(t, h.next(t).Err, provider.ErrUnavailable)

	h.stream.Begin(2)
	ev := h.next(t)
	assert.ErrorIs(t, ev.Err, provider.ErrTimeout)
	assert.Equal(t, uint64(2), ev.UtteranceID)
	assert.ErrorIs(t, h.stream.Available(), provider.ErrExhausted)

	h.stream.Begin(3)
	assert.ErrorIs(t, h.next(t).Err, provider.ErrExhausted)
}

func TestStreamAbandon(t *testing.T) {
	p := &fakeProvider{name: "a", text: "dropped"}
	h := newHarness(t, p)

	h.stream.Begin(1)
	h.feed(1, 5)
	h.stream.Abandon(1)
	h.stream.Finalize(1)

	select {
	case ev := <-h.stream.Events():
		t.Fatalf("abandoned utterance produced %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamExpireChargesBackend(t *testing.T) {
	a := &fakeProvider{name: "a", text: "too late"}
	b := &fakeProvider{name: "b", text: "from b"}
	h := newHarness(t, a, b)

	h.stream.Begin(1)
	h.feed(1, 5)
	h.stream.Expire(1)

	f := <-h.failovers
	assert.Equal(t, "a", f.From)
	assert.Equal(t, "b", f.To)
	assert.ErrorIs(t, f.Err, provider.ErrTimeout)

	health, _ := h.reg.Health(provider.Transcribe, "a")
	assert.Equal(t, provider.Degraded, health)

	h.stream.Begin(2)
	h.feed(6, 10)
	h.stream.Finalize(2)
	ev := h.next(t)
	require.NoError(t, ev.Err)
	assert.Equal(t, uint64(2), ev.UtteranceID)
	assert.Equal(t, "b", ev.Provider)
	assert.Equal(t, 1, a.dialCount())
}

func TestStreamAbandonIsNotAFailure(t *testing.T) {
	a := &fakeProvider{name: "a", text: "second"}
	b := &fakeProvider{name: "b"}
	h := newHarness(t, a, b)

	h.stream.Begin(1)
	h.feed(1, 5)
	h.stream.Abandon(1)
	h.stream.Begin(2)
	h.stream.Finalize(2)

	ev := h.next(t)
	require.NoError(t, ev.Err)
	assert.Equal(t, uint64(2), ev.UtteranceID)
	assert.Equal(t, "a", ev.Provider)
	health, _ := h.reg.Health(provider.Transcribe, "a")
	assert.Equal(t, provider.Healthy, health)
	assert.Empty(t, h.failovers)
	assert.Equal(t, 0, b.dialCount())
}

func TestStreamFeedNeverBlocks(t *testing.T) {
	reg := provider.NewRegistry(provider.HealthConfig{})
	set := provider.NewSet[Provider](reg, provider.Transcribe)
	s := NewStream("call-2", set, nil, StreamConfig{QueueSize: 4})

	// not started: the queue fills and further frames are dropped
	for i := 1; i <= 4; i++ {
		assert.True(t, s.Feed(testFrame(uint64(i))))
	}
	assert.False(t, s.Feed(testFrame(5)))
	assert.Equal(t, int64(1), s.dropped.Load())
}

func TestJoinTranscript(t *testing.T) {
	assert.Equal(t, "a b", joinTranscript("a", "b"))
	assert.Equal(t, "a", joinTranscript("a", ""))
	assert.Equal(t, "b", joinTranscript("", "b"))
}
