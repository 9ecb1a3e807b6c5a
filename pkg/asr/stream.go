package asr

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/realtime-ai/callflow/pkg/audio"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// StreamConfig tunes a Stream.
type StreamConfig struct {
	Audio       AudioConfig
	Recognition RecognitionConfig
	Policy      provider.Policy
	// ConnectTimeout bounds each backend connection attempt.
	ConnectTimeout time.Duration
	// PreRoll is the audio kept between utterances and replayed on Begin.
	PreRoll time.Duration
	// MaxUtterance caps the audio retained for replay.
	MaxUtterance time.Duration
	// QueueSize is the number of frames Feed can queue.
	QueueSize int
	// OnFailover is told when a backend is abandoned for this call.
	OnFailover provider.FailoverFunc
}

// DefaultStreamConfig returns telephony defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Audio:          DefaultAudioConfig(),
		ConnectTimeout: 3 * time.Second,
		PreRoll:        300 * time.Millisecond,
		MaxUtterance:   60 * time.Second,
		QueueSize:      500,
	}
}

type controlKind int

const (
	ctrlBegin controlKind = iota
	ctrlFinalize
	ctrlAbandon
	ctrlExpire
)

type control struct {
	kind        controlKind
	utteranceID uint64
}

// Stream transcribes the caller side of one call.
//
// Audio is fed continuously. Between utterances it only fills a short
// pre-roll buffer; Begin opens a backend session for a new utterance and
// replays the pre-roll into it, Finalize asks for the final transcript,
// Abandon drops the utterance and Expire drops it as a backend timeout. A
// dropped connection is retried once on the same backend with the utterance
// audio replayed; a second failure fails the utterance, marks the backend for
// the call and reports it to the registry. The next utterance is then served
// by the next healthy backend.
type Stream struct {
	callID  string
	set     *provider.Set[Provider]
	exclude *provider.Excluder
	cfg     StreamConfig

	frames  chan pipeline.AudioFrame
	ctrl    chan control
	events  chan TranscriptEvent
	preroll *audio.RingBuffer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	dropped   atomic.Int64

	cur          *utterance
	lastFrameEnd time.Time
}

type utterance struct {
	id       uint64
	provider string
	impl     Provider
	rec      StreamingRecognizer
	results  <-chan *RecognitionResult

	audio      []byte
	reconnects int
	finalizing bool
	committed  string
	start, end time.Time

	span oteltrace.Span
}

// NewStream creates a stream for callID. exclude collects the backends that
// failed during this call and may be shared with other capabilities.
func NewStream(callID string, set *provider.Set[Provider], exclude *provider.Excluder, cfg StreamConfig) *Stream {
	def := DefaultStreamConfig()
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio = def.Audio
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PreRoll <= 0 {
		cfg.PreRoll = def.PreRoll
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = def.MaxUtterance
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if exclude == nil {
		exclude = &provider.Excluder{}
	}
	return &Stream{
		callID:  callID,
		set:     set,
		exclude: exclude,
		cfg:     cfg,
		frames:  make(chan pipeline.AudioFrame, cfg.QueueSize),
		ctrl:    make(chan control, 64),
		events:  make(chan TranscriptEvent, 256),
		preroll: audio.NewRingBuffer(cfg.Audio.SampleRate, cfg.PreRoll),
	}
}

// Start launches the worker. ctx bounds the stream's lifetime.
func (s *Stream) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(1)
		go s.run()
	})
}

// Close stops the worker, closes any open session and closes Events.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers transcript events in order.
func (s *Stream) Events() <-chan TranscriptEvent {
	return s.events
}

// Feed queues a caller frame without blocking. It returns false if the
// frame was dropped.
func (s *Stream) Feed(frame pipeline.AudioFrame) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[ASR] call %s: input queue full, dropped %d frames", s.callID, n)
		}
		return false
	}
}

// Begin starts utterance id. Any utterance still open is abandoned.
func (s *Stream) Begin(id uint64) { s.send(control{ctrlBegin, id}) }

// Finalize requests the final transcript of utterance id.
func (s *Stream) Finalize(id uint64) { s.send(control{ctrlFinalize, id}) }

// Abandon drops utterance id without a final.
func (s *Stream) Abandon(id uint64) { s.send(control{ctrlAbandon, id}) }

// Expire drops utterance id because its final is overdue. The backend is
// reported as timed out and not used again for this call.
func (s *Stream) Expire(id uint64) { s.send(control{ctrlExpire, id}) }

func (s *Stream) send(c control) {
	if s.ctx == nil {
		return
	}
	select {
	case s.ctrl <- c:
	case <-s.ctx.Done():
	}
}

// Available reports whether a backend is left for this call.
func (s *Stream) Available() error {
	_, _, err := s.set.Select(s.cfg.Policy, s.exclude.List()...)
	return err
}

func (s *Stream) run() {
	defer s.wg.Done()
	defer s.closeCurrent(nil)

	for {
		var results <-chan *RecognitionResult
		if s.cur != nil {
			results = s.cur.results
		}

		select {
		case <-s.ctx.Done():
			return

		case c := <-s.ctrl:
			s.drainFrames()
			switch c.kind {
			case ctrlBegin:
				s.begin(c.utteranceID)
			case ctrlFinalize:
				s.finalize(c.utteranceID)
			case ctrlAbandon:
				if s.cur != nil && s.cur.id == c.utteranceID {
					s.closeCurrent(nil)
				}
			case ctrlExpire:
				s.expire(c.utteranceID)
			}

		case f := <-s.frames:
			s.feed(f)

		case res, ok := <-results:
			if !ok {
				s.recover(errors.New("transcription session closed before final"))
				continue
			}
			s.result(res)
		}
	}
}

// drainFrames feeds queued frames so audio sent before a control message
// is applied before it.
func (s *Stream) drainFrames() {
	for {
		select {
		case f := <-s.frames:
			s.feed(f)
		default:
			return
		}
	}
}

func (s *Stream) begin(id uint64) {
	if s.cur != nil {
		log.Printf("[ASR] call %s: utterance %d superseded by %d", s.callID, s.cur.id, id)
		s.closeCurrent(nil)
	}

	pre := s.preroll.Drain()
	u := &utterance{id: id, audio: pre, end: s.lastFrameEnd}
	u.start = s.lastFrameEnd.Add(-s.bytesDuration(len(pre)))

	for {
		name, impl, err := s.set.Select(s.cfg.Policy, s.exclude.List()...)
		if err != nil {
			s.emit(TranscriptEvent{UtteranceID: id, Start: u.start, End: u.end, Err: err})
			return
		}
		u.provider, u.impl = name, impl
		_, u.span = trace.InstrumentTranscription(s.ctx, s.callID, id, name)

		if err := s.connect(u); err != nil {
			// no transcript exists yet, switch now
			next := s.abandonProvider(u, err)
			trace.RecordError(u.span, err)
			u.span.End()
			if next == "" {
				s.emit(TranscriptEvent{UtteranceID: id, Provider: name, Start: u.start, End: u.end, Err: provider.Classify(provider.Transcribe, name, err)})
				return
			}
			continue
		}
		s.cur = u
		return
	}
}

// connect opens a session on u's backend and replays u's audio.
func (s *Stream) connect(u *utterance) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()

	rec, err := u.impl.StreamingRecognize(ctx, s.cfg.Audio, s.cfg.Recognition)
	if err != nil {
		return err
	}
	if len(u.audio) > 0 {
		if err := rec.SendAudio(ctx, u.audio); err != nil {
			rec.Close()
			return err
		}
	}
	if u.finalizing {
		if err := rec.Finalize(ctx); err != nil {
			rec.Close()
			return err
		}
	}
	u.rec = rec
	u.results = rec.Results()
	return nil
}

func (s *Stream) feed(f pipeline.AudioFrame) {
	if end := f.End(); end.After(s.lastFrameEnd) {
		s.lastFrameEnd = end
	}

	u := s.cur
	if u == nil || u.finalizing {
		s.preroll.Write(f.PCM)
		return
	}

	if len(u.audio)+len(f.PCM) <= s.maxUtteranceBytes() {
		u.audio = append(u.audio, f.PCM...)
	}
	u.end = f.End()
	if err := u.rec.SendAudio(s.ctx, f.PCM); err != nil {
		s.recover(err)
	}
}

func (s *Stream) finalize(id uint64) {
	u := s.cur
	if u == nil || u.id != id || u.finalizing {
		return
	}
	u.finalizing = true
	if err := u.rec.Finalize(s.ctx); err != nil {
		s.recover(err)
	}
}

func (s *Stream) result(res *RecognitionResult) {
	u := s.cur
	text := joinTranscript(u.committed, res.Text)

	// a backend may commit on its own before we ask; keep collecting
	if res.IsFinal && !u.finalizing {
		u.committed = text
		res = &RecognitionResult{Text: text, Confidence: res.Confidence}
	}

	s.emit(TranscriptEvent{
		UtteranceID: u.id,
		Text:        text,
		IsFinal:     res.IsFinal,
		Confidence:  res.Confidence,
		Start:       u.start,
		End:         u.end,
		Provider:    u.provider,
	})

	if res.IsFinal {
		s.set.ReportSuccess(u.provider)
		s.closeCurrent(nil)
	}
}

func (s *Stream) expire(id uint64) {
	u := s.cur
	if u == nil || u.id != id {
		return
	}
	err := &provider.Error{Kind: provider.ErrTimeout, Capability: provider.Transcribe, Provider: u.provider, Err: errors.New("no final transcript before the deadline")}
	s.abandonProvider(u, err)
	s.closeCurrent(err)
}

// recover reconnects the current utterance once, then fails it.
func (s *Stream) recover(cause error) {
	u := s.cur
	if u == nil {
		return
	}
	u.rec.Close()
	u.rec, u.results = nil, nil

	if u.reconnects == 0 && s.ctx.Err() == nil {
		u.reconnects++
		log.Printf("[ASR] call %s: %s dropped utterance %d (%v), reconnecting", s.callID, u.provider, u.id, cause)
		trace.AddEvent(u.span, "reconnect")
		err := s.connect(u)
		if err == nil {
			return
		}
		cause = err
	}

	if s.ctx.Err() != nil {
		s.closeCurrent(nil)
		return
	}

	perr := provider.Classify(provider.Transcribe, u.provider, cause)
	s.abandonProvider(u, perr)
	s.emit(TranscriptEvent{UtteranceID: u.id, Provider: u.provider, Start: u.start, End: u.end, Err: perr})
	s.closeCurrent(perr)
}

// abandonProvider reports u's backend as failed and excludes it for this
// call. It returns the backend that will serve the next attempt, if any.
func (s *Stream) abandonProvider(u *utterance, err error) string {
	log.Printf("[ASR] call %s: %s failed: %v", s.callID, u.provider, err)
	s.set.ReportFailure(u.provider, err)
	s.exclude.Add(u.provider)

	next, _, _ := s.set.Select(s.cfg.Policy, s.exclude.List()...)
	if s.cfg.OnFailover != nil {
		s.cfg.OnFailover(provider.Failover{Capability: provider.Transcribe, From: u.provider, To: next, Err: err})
	}
	return next
}

func (s *Stream) closeCurrent(err error) {
	u := s.cur
	if u == nil {
		return
	}
	s.cur = nil
	if u.rec != nil {
		u.rec.Close()
	}
	if u.span != nil {
		trace.RecordError(u.span, err)
		u.span.End()
	}
}

func (s *Stream) emit(ev TranscriptEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Stream) bytesDuration(n int) time.Duration {
	perSec := s.cfg.Audio.SampleRate * audio.BytesPerSample
	if perSec == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(perSec)
}

func (s *Stream) maxUtteranceBytes() int {
	return int(int64(s.cfg.Audio.SampleRate*audio.BytesPerSample) * int64(s.cfg.MaxUtterance) / int64(time.Second))
}

func joinTranscript(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
