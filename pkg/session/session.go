package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/realtime-ai/callflow/pkg/asr"
	"github.com/realtime-ai/callflow/pkg/llm"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/store"
	"github.com/realtime-ai/callflow/pkg/trace"
	"github.com/realtime-ai/callflow/pkg/tts"
	"github.com/realtime-ai/callflow/pkg/vad"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// subscriberBuffer is how many inbound frames a bus subscriber may lag.
const subscriberBuffer = 256

// Providers are the backends shared by every call.
type Providers struct {
	Transcribers *provider.Set[asr.Provider]
	Generators   *provider.Set[llm.Provider]
	Synthesizers *provider.Set[tts.Provider]
	// NewDetector builds the voice activity detector of one call.
	NewDetector func() (vad.Detector, error)
}

func (p Providers) validate() error {
	switch {
	case p.Transcribers == nil || p.Transcribers.Len() == 0:
		return errors.New("session: no transcription provider")
	case p.Generators == nil || p.Generators.Len() == 0:
		return errors.New("session: no generation provider")
	case p.Synthesizers == nil || p.Synthesizers.Len() == 0:
		return errors.New("session: no synthesis provider")
	case p.NewDetector == nil:
		return errors.New("session: no voice activity detector")
	}
	return nil
}

// Options tune the stages of a call.
type Options struct {
	Session  Config
	VAD      vad.SegmenterConfig
	ASR      asr.StreamConfig
	LLM      llm.Config
	TTS      tts.Config
	Recorder Recorder
}

// DefaultOptions returns the default configuration of every stage.
func DefaultOptions() Options {
	return Options{
		Session: DefaultConfig(),
		VAD:     vad.DefaultSegmenterConfig(),
		ASR:     asr.DefaultStreamConfig(),
		TTS:     tts.DefaultConfig(),
	}
}

// CallSession is one phone call: caller audio fans out from the frame bus to
// voice activity detection and transcription, and the TurnController turns
// their events into responses.
type CallSession struct {
	ID        string
	StreamSID string

	ctrl      *TurnController
	bus       *pipeline.FrameBus
	stream    *asr.Stream
	segmenter *vad.Segmenter
	detector  vad.Detector

	span      oteltrace.Span
	startOnce sync.Once
	wg        sync.WaitGroup
	closed    chan struct{}
}

// NewCallSession builds the stages of a call. Nothing runs until Start.
func NewCallSession(callID, streamSID string, p Providers, opts Options, sink Sink) (*CallSession, error) {
	if callID == "" {
		return nil, errors.New("session: call id is required")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	detector, err := p.NewDetector()
	if err != nil {
		return nil, err
	}

	s := &CallSession{
		ID:        callID,
		StreamSID: streamSID,
		bus:       pipeline.NewFrameBus(),
		detector:  detector,
		segmenter: vad.NewSegmenter(detector, opts.VAD),
		closed:    make(chan struct{}),
	}

	// s.ctrl is set before any stage runs.
	onFailover := func(f provider.Failover) { s.ctrl.OnFailover(f) }

	sampleRate := opts.Session.withDefaults().SampleRate
	asrCfg := opts.ASR
	asrCfg.Audio.SampleRate = sampleRate
	asrCfg.OnFailover = onFailover
	s.stream = asr.NewStream(callID, p.Transcribers, &provider.Excluder{}, asrCfg)

	llmCfg := opts.LLM
	llmCfg.OnFailover = onFailover
	gen := llm.NewGenerator(p.Generators, &provider.Excluder{}, llmCfg)

	ttsCfg := opts.TTS
	ttsCfg.SampleRate = sampleRate
	ttsCfg.OnFailover = onFailover
	synth := tts.NewSynthesizer(p.Synthesizers, &provider.Excluder{}, ttsCfg)

	var rec Recorder
	if opts.Recorder != nil {
		rec = streamRecorder{Recorder: opts.Recorder, streamSID: streamSID}
	}
	s.ctrl = NewTurnController(callID, Stages{
		Bus:         s.bus,
		Transcriber: s.stream,
		Generator:   gen,
		Synthesizer: synth,
		Recorder:    rec,
	}, opts.Session, sink)
	return s, nil
}

// Start runs the call until it ends or ctx is cancelled.
func (s *CallSession) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.span = trace.InstrumentCall(ctx, s.ID, s.StreamSID)
		vadIn := s.bus.Subscribe("vad", subscriberBuffer)
		asrIn := s.bus.Subscribe("asr", subscriberBuffer)

		s.stream.Start(ctx)
		s.ctrl.Start(ctx)

		s.wg.Add(3)
		go s.detect(vadIn)
		go s.transcribe(asrIn)
		go s.forwardTranscripts()
		go s.shutdown()
		log.Print(trace.LogWithTrace(ctx, fmt.Sprintf("[CallSession] %s started (stream %s)", s.ID, s.StreamSID)))
	})
}

func (s *CallSession) detect(in <-chan pipeline.AudioFrame) {
	defer s.wg.Done()
	failures := 0
	for frame := range in {
		ev, err := s.segmenter.Process(frame)
		if err != nil {
			if failures++; failures == 1 || failures%100 == 0 {
				log.Printf("[CallSession] %s vad: %v (%d failures)", s.ID, err, failures)
			}
			continue
		}
		if ev != nil {
			s.ctrl.OnVADEvent(*ev)
		}
	}
}

func (s *CallSession) transcribe(in <-chan pipeline.AudioFrame) {
	defer s.wg.Done()
	for frame := range in {
		s.stream.Feed(frame)
	}
}

func (s *CallSession) forwardTranscripts() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.stream.Events():
			if !ok {
				return
			}
			s.ctrl.OnTranscriptEvent(ev)
		case <-s.ctrl.Done():
			return
		}
	}
}

func (s *CallSession) shutdown() {
	<-s.ctrl.Done()
	s.bus.Close()
	s.stream.Close()
	s.wg.Wait()
	if err := s.detector.Destroy(); err != nil {
		log.Printf("[CallSession] %s destroy vad: %v", s.ID, err)
	}
	if err := s.ctrl.Err(); err != nil && !errors.Is(err, ErrCallTerminated) {
		trace.RecordError(s.span, err)
	}
	s.span.End()
	close(s.closed)
	log.Printf("[CallSession] %s closed", s.ID)
}

// PushAudio hands a caller frame to the call. It never blocks.
func (s *CallSession) PushAudio(frame pipeline.AudioFrame) {
	s.ctrl.OnInboundFrame(frame)
}

// Hangup ends the call without a closing notice.
func (s *CallSession) Hangup() {
	s.ctrl.OnCallEnd()
}

// Close hangs up and waits until every stage has stopped.
func (s *CallSession) Close() {
	started := true
	s.startOnce.Do(func() {
		started = false
		s.bus.Close()
		if err := s.detector.Destroy(); err != nil {
			log.Printf("[CallSession] %s destroy vad: %v", s.ID, err)
		}
		close(s.closed)
	})
	if started {
		s.Hangup()
		<-s.closed
	}
}

// Done is closed once the call has ended and every stage has stopped.
func (s *CallSession) Done() <-chan struct{} { return s.closed }

// Info returns the current state of the call.
func (s *CallSession) Info() Info { return s.ctrl.Info() }

// Err reports why the call ended.
func (s *CallSession) Err() error { return s.ctrl.Err() }

type streamRecorder struct {
	Recorder
	streamSID string
}

func (r streamRecorder) Save(ctx context.Context, rec store.CallRecord) error {
	rec.StreamSID = r.streamSID
	return r.Recorder.Save(ctx, rec)
}
