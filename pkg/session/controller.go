package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/realtime-ai/callflow/pkg/asr"
	"github.com/realtime-ai/callflow/pkg/conversation"
	"github.com/realtime-ai/callflow/pkg/llm"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/store"
	"github.com/realtime-ai/callflow/pkg/trace"
	"github.com/realtime-ai/callflow/pkg/tts"
	"github.com/realtime-ai/callflow/pkg/vad"
)

// recordTimeout bounds saving the call record after hang-up.
const recordTimeout = 5 * time.Second

// Sink receives outbound audio and lifecycle events. It is only called from
// the controller goroutine and must not block for long.
type Sink interface {
	SendFrame(frame pipeline.AudioFrame)
	SendEvent(ev Event)
}

// Transcriber is the per-call transcription stream, normally *asr.Stream.
type Transcriber interface {
	Begin(utteranceID uint64)
	Finalize(utteranceID uint64)
	Abandon(utteranceID uint64)
	// Expire drops utterance id because its final missed the deadline. The
	// backend is charged with a failure, unlike Abandon.
	Expire(utteranceID uint64)
	Available() error
}

// Recorder persists the conversation of a finished call.
type Recorder interface {
	Save(ctx context.Context, rec store.CallRecord) error
}

// Stages are the per-call pipeline stages the controller drives.
type Stages struct {
	Bus         *pipeline.FrameBus
	Transcriber Transcriber
	Generator   *llm.Generator
	Synthesizer *tts.Synthesizer
	// Recorder is optional.
	Recorder Recorder
}

// Info is a point-in-time view of a call.
type Info struct {
	CallID      string `json:"call_id"`
	State       State  `json:"state"`
	UtteranceID uint64 `json:"utterance_id,omitempty"`
	ResponseID  uint64 `json:"response_id,omitempty"`
	Turns       int    `json:"turns"`
}

type msgKind int

const (
	msgCallEnd msgKind = iota
	msgTranscript
	msgVAD
	msgChunk
	msgFrame
	msgTick
	msgFinalWait
	msgNoticeTimeout
	msgFailover
)

type message struct {
	kind       msgKind
	utterance  uint64
	responseID uint64
	reason     string
	vad        vad.Event
	transcript asr.TranscriptEvent
	chunk      llm.ResponseChunk
	closed     bool
	frame      pipeline.AudioFrame
	failover   provider.Failover
}

// priority orders messages that arrived together: hang-up first, then
// transcripts, then VAD, so a final that raced a speech start is applied
// before the new turn begins.
func (m message) priority() int {
	switch m.kind {
	case msgCallEnd:
		return 0
	case msgTranscript:
		return 1
	case msgVAD:
		return 2
	default:
		return 3
	}
}

// TurnController owns the turn-taking state of one call. All state changes
// happen on a single goroutine fed by an inbox; the On* methods only post
// to it.
type TurnController struct {
	callID   string
	cfg      Config
	bus      *pipeline.FrameBus
	asr      Transcriber
	gen      *llm.Generator
	synth    *tts.Synthesizer
	recorder Recorder
	sink     Sink
	now      func() time.Time

	inbox     chan message
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	malformed atomic.Int64

	// owned by the run goroutine
	state         State
	conv          *conversation.Context
	utt           *utterance
	resp          *response
	lastUtterance uint64
	lastResponse  uint64
	playout       *time.Ticker
	noticeTimer   *time.Timer
	startedAt     time.Time
	endReason     string

	mu     sync.Mutex
	info   Info
	endErr error
}

// NewTurnController wires a controller to its stages. Call Start to run it.
func NewTurnController(callID string, stages Stages, cfg Config, sink Sink) *TurnController {
	cfg = cfg.withDefaults()
	c := &TurnController{
		callID:   callID,
		cfg:      cfg,
		bus:      stages.Bus,
		asr:      stages.Transcriber,
		gen:      stages.Generator,
		synth:    stages.Synthesizer,
		recorder: stages.Recorder,
		sink:     sink,
		now:      time.Now,
		inbox:    make(chan message, cfg.InboxSize),
		done:     make(chan struct{}),
		conv:     conversation.New(cfg.Context),
		state:    Listening,
	}
	c.info = Info{CallID: callID, State: Listening}
	return c
}

// Start runs the controller until the call ends or ctx is cancelled.
func (c *TurnController) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.run()
	})
}

// Done is closed once the call has ended and its record was saved.
func (c *TurnController) Done() <-chan struct{} { return c.done }

// Err reports why the call ended: ErrCallTerminated after a hang-up, or an
// error wrapping provider.ErrExhausted. Nil while the call is running.
func (c *TurnController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endErr
}

// Info returns the current state of the call.
func (c *TurnController) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// OnInboundFrame validates a caller frame and publishes it to the bus.
// Malformed frames are dropped.
func (c *TurnController) OnInboundFrame(frame pipeline.AudioFrame) {
	if err := frame.Validate(c.cfg.SampleRate); err != nil {
		if n := c.malformed.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[TurnController] call=%s dropped malformed frame %d: %v (%d so far)", c.callID, frame.Seq, err, n)
		}
		return
	}
	frame.Direction = pipeline.Inbound
	c.bus.Publish(frame)
}

func (c *TurnController) OnVADEvent(ev vad.Event) {
	c.post(message{kind: msgVAD, vad: ev})
}

func (c *TurnController) OnTranscriptEvent(ev asr.TranscriptEvent) {
	c.post(message{kind: msgTranscript, transcript: ev})
}

func (c *TurnController) OnGenerationChunk(chunk llm.ResponseChunk) {
	c.post(message{kind: msgChunk, responseID: chunk.ResponseID, chunk: chunk})
}

func (c *TurnController) OnSynthesisFrame(frame pipeline.AudioFrame) {
	c.post(message{kind: msgFrame, frame: frame})
}

// OnCallEnd ends the call immediately. Nothing more is sent to the sink
// once the call-ended event has gone out.
func (c *TurnController) OnCallEnd() {
	c.post(message{kind: msgCallEnd, reason: ReasonHangup})
}

// OnFailover reports a provider switch made by one of the stages.
func (c *TurnController) OnFailover(f provider.Failover) {
	c.post(message{kind: msgFailover, failover: f})
}

func (c *TurnController) post(m message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *TurnController) run() {
	defer close(c.done)
	c.startedAt = c.now()
	log.Printf("[TurnController] call=%s started", c.callID)

	for c.state != Ended {
		var chunks <-chan llm.ResponseChunk
		var respID uint64
		if r := c.resp; r != nil && r.gen != nil && !r.genDone {
			chunks, respID = r.gen.Chunks(), r.id
		}
		var tick <-chan time.Time
		if c.playout != nil {
			tick = c.playout.C
		}

		var first message
		select {
		case first = <-c.inbox:
		case chunk, ok := <-chunks:
			first = message{kind: msgChunk, responseID: respID, chunk: chunk, closed: !ok}
		case <-tick:
			first = message{kind: msgTick}
		case <-c.ctx.Done():
			first = message{kind: msgCallEnd, reason: ReasonHangup}
		}

		for _, m := range c.batch(first) {
			c.handle(m)
			if c.state == Ended {
				break
			}
		}
		c.publishInfo()
	}
}

// batch collects everything already waiting in the inbox behind first and
// orders it by priority.
func (c *TurnController) batch(first message) []message {
	msgs := []message{first}
	for len(c.inbox) > 0 {
		msgs = append(msgs, <-c.inbox)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].priority() < msgs[j].priority() })
	return msgs
}

func (c *TurnController) handle(m message) {
	switch m.kind {
	case msgCallEnd:
		c.endCall(m.reason, ErrCallTerminated, false)
	case msgTranscript:
		c.onTranscript(m.transcript)
	case msgVAD:
		c.onVAD(m.vad)
	case msgChunk:
		c.onChunk(m)
	case msgFrame:
		c.onFrame(m.frame)
	case msgTick:
		c.onTick()
	case msgFinalWait:
		c.onFinalWait(m.utterance)
	case msgNoticeTimeout:
		if c.state == Ending {
			log.Printf("[TurnController] call=%s closing notice timed out", c.callID)
			c.finish()
		}
	case msgFailover:
		c.onFailover(m.failover)
	}
}

func (c *TurnController) onVAD(ev vad.Event) {
	switch ev.Kind {
	case vad.SpeechStart:
		switch c.state {
		case Listening:
			c.beginUtterance()
		case Thinking:
			c.interrupt(ReasonCallerResumed)
			c.beginUtterance()
		case Responding:
			c.interrupt(ReasonBargeIn)
			c.beginUtterance()
		case CallerSpeaking:
			if u := c.utt; u != nil && u.silent {
				u.silent = false
				u.resumed = true
				u.stopTimer()
			}
		}
	case vad.SpeechEnd:
		if c.state == CallerSpeaking && c.utt != nil {
			c.callerSilent(c.utt)
		}
	}
}

func (c *TurnController) beginUtterance() {
	c.lastUtterance++
	u := &utterance{id: c.lastUtterance, start: c.now()}
	c.utt = u
	c.asr.Begin(u.id)
	c.setState(CallerSpeaking)
	c.emit(Event{Kind: EventTurnStarted, UtteranceID: u.id})
}

// callerSilent handles the end of a speech segment: use the final if it is
// already here, otherwise ask for it and bound the wait.
func (c *TurnController) callerSilent(u *utterance) {
	u.silent = true
	if u.failed {
		c.finalize(u, u.heard(), true)
		return
	}
	if u.hasFinal {
		c.finalize(u, u.final, false)
		return
	}
	c.asr.Finalize(u.id)
	u.stopTimer()
	id := u.id
	u.timer = time.AfterFunc(c.cfg.FinalWait, func() {
		c.post(message{kind: msgFinalWait, utterance: id})
	})
}

func (c *TurnController) onTranscript(ev asr.TranscriptEvent) {
	u := c.utt
	if c.state != CallerSpeaking || u == nil || u.finalized || u.failed || ev.UtteranceID != u.id {
		return
	}
	if ev.Err != nil {
		c.transcriptFailed(u, ev.Err)
		return
	}
	if !ev.IsFinal {
		u.partial = ev.Text
		return
	}
	u.final, u.hasFinal = ev.Text, true
	switch {
	case u.silent:
		c.finalize(u, u.final, false)
	case u.resumed:
		c.carryOver(u)
	}
}

// carryOver commits what the caller said before pausing and keeps
// listening: the caller started again while the final was on its way.
func (c *TurnController) carryOver(u *utterance) {
	u.finalized = true
	u.stopTimer()
	if text := u.heard(); text != "" {
		c.conv.Append(conversation.Caller, text, c.now())
	}
	c.emit(Event{Kind: EventTurnEnded, UtteranceID: u.id, Reason: ReasonCallerResumed})
	c.beginUtterance()
}

func (c *TurnController) transcriptFailed(u *utterance, err error) {
	log.Printf("[TurnController] call=%s utterance %d transcription failed: %v", c.callID, u.id, err)
	if errors.Is(err, provider.ErrExhausted) || c.asr.Available() != nil {
		c.endCall(ReasonExhausted, provider.Exhausted(provider.Transcribe), true)
		return
	}
	if u.silent {
		c.finalize(u, u.heard(), true)
		return
	}
	// The backend is not switched while the caller is still talking. The
	// turn ends with what was heard once VAD closes the segment; the next
	// segment goes to the next backend.
	u.failed = true
	u.stopTimer()
}

func (c *TurnController) onFinalWait(id uint64) {
	u := c.utt
	if u == nil || u.id != id || u.finalized || !u.silent {
		return
	}
	log.Printf("[TurnController] call=%s no final for utterance %d after %s, using partial", c.callID, id, c.cfg.FinalWait)
	c.asr.Expire(id)
	c.finalize(u, u.partial, true)
}

// finalize closes the caller's utterance exactly once and starts the
// response to it.
func (c *TurnController) finalize(u *utterance, text string, forced bool) {
	if u.finalized {
		return
	}
	u.finalized = true
	u.stopTimer()
	c.utt = nil
	if forced {
		c.asr.Abandon(u.id)
	}

	if text == "" {
		reason := ReasonEmptyTranscript
		if forced {
			reason = ReasonTranscriptLost
		}
		c.emit(Event{Kind: EventTurnEnded, UtteranceID: u.id, Reason: reason})
		c.setState(Listening)
		return
	}

	at := c.now()
	snap := c.conv.Snapshot()
	c.conv.Append(conversation.Caller, text, at)
	c.setState(Thinking)
	c.startResponse(conversation.Utterance{ID: u.id, Text: text, At: at, Forced: forced}, snap)
}

func (c *TurnController) startResponse(u conversation.Utterance, snap conversation.Snapshot) {
	c.lastResponse++
	r := &response{id: c.lastResponse, utterance: u.ID}
	r.turn = c.conv.Open(conversation.Agent, c.now())
	ctx, span := trace.InstrumentTurn(c.ctx, c.callID, u.ID, r.id, len(u.Text))
	r.span = span
	r.gen = c.gen.Generate(ctx, r.id, u, snap)
	r.synth = c.synth.Start(ctx, r.id)
	c.resp = r
	c.startPlayout()
	log.Printf("[TurnController] call=%s response %d to utterance %d started", c.callID, r.id, u.ID)
}

func (c *TurnController) onChunk(m message) {
	r := c.resp
	if r == nil || r.notice || r.id != m.responseID || c.state == Ending {
		return
	}
	if m.closed {
		r.genDone = true
		c.generationDone(r)
		return
	}
	if r.sealed || m.chunk.Seq != uint64(len(r.texts))+1 {
		return
	}
	r.texts = append(r.texts, m.chunk.Text)
	r.sealed = m.chunk.IsFinal
	r.synth.Enqueue(m.chunk)
}

func (c *TurnController) generationDone(r *response) {
	err := r.gen.Err()
	var failed *llm.GenerationFailedError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.As(err, &failed):
		log.Printf("[TurnController] call=%s response %d cut short after %d chunks: %v", c.callID, r.id, failed.Emitted, err)
	case errors.Is(err, provider.ErrExhausted) && len(r.texts) == 0:
		log.Printf("[TurnController] call=%s response %d: %v", c.callID, r.id, err)
		c.endCall(ReasonExhausted, err, true)
		return
	default:
		log.Printf("[TurnController] call=%s response %d generation failed: %v", c.callID, r.id, err)
	}
	if !r.sealed {
		// let synthesis finish whatever it already has
		r.sealed = true
		r.synth.Enqueue(llm.ResponseChunk{ResponseID: r.id, Seq: uint64(len(r.texts)) + 1, IsFinal: true})
	}
}

func (c *TurnController) onTick() {
	r := c.resp
	if r == nil || r.synth == nil {
		c.stopPlayout()
		return
	}
	select {
	case f, ok := <-r.synth.Frames():
		if !ok {
			c.synthesisDone(r)
			return
		}
		c.onFrame(f)
	default:
	}
}

func (c *TurnController) onFrame(f pipeline.AudioFrame) {
	r := c.resp
	if r == nil || f.ResponseID != r.id {
		// superseded response
		return
	}
	if f.Seq != r.emitted+1 {
		log.Printf("[TurnController] call=%s response %d: dropped out-of-order frame %d after %d", c.callID, r.id, f.Seq, r.emitted)
		return
	}
	if c.state == Thinking {
		c.setState(Responding)
	}
	r.emitted = f.Seq
	c.sink.SendFrame(f)
}

func (c *TurnController) synthesisDone(r *response) {
	c.stopPlayout()
	if r.notice {
		c.finish()
		return
	}
	if err := r.synth.Err(); errors.Is(err, provider.ErrExhausted) {
		log.Printf("[TurnController] call=%s response %d: %v", c.callID, r.id, err)
		c.endCall(ReasonExhausted, err, true)
		return
	}

	c.resp = nil
	if r.gen != nil {
		r.gen.Cancel()
	}
	if text := r.text(); text != "" {
		if err := c.conv.Complete(r.turn, text, false); err != nil {
			log.Printf("[TurnController] call=%s %v", c.callID, err)
		}
	} else {
		c.conv.Discard(r.turn)
	}
	r.endSpan(ReasonCompleted)
	c.emit(Event{Kind: EventTurnEnded, UtteranceID: r.utterance, ResponseID: r.id, Reason: ReasonCompleted})
	c.setState(Listening)
	log.Printf("[TurnController] call=%s response %d completed (%d frames)", c.callID, r.id, r.emitted)
}

// interrupt stops the response in flight and keeps only the text the caller
// actually heard.
func (c *TurnController) interrupt(reason string) {
	r := c.resp
	if r == nil {
		return
	}
	c.setState(Interrupted)
	c.dropResponse(r, true)
	c.emit(Event{Kind: EventInterrupted, UtteranceID: r.utterance, ResponseID: r.id, Reason: reason})
	log.Printf("[TurnController] call=%s response %d interrupted (%s) after %d frames", c.callID, r.id, reason, r.emitted)
}

// dropResponse cancels generation and synthesis and settles the agent turn.
func (c *TurnController) dropResponse(r *response, interrupted bool) {
	c.resp = nil
	c.stopPlayout()
	if r.gen != nil {
		r.gen.Cancel()
	}
	if r.synth != nil {
		r.synth.Cancel()
	}
	if interrupted {
		r.endSpan("interrupted")
	} else {
		r.endSpan("call_ended")
	}
	if r.turn == 0 {
		return
	}
	if spoken := r.spoken(); spoken != "" {
		if err := c.conv.Complete(r.turn, spoken, interrupted); err != nil {
			log.Printf("[TurnController] call=%s %v", c.callID, err)
		}
	} else {
		c.conv.Discard(r.turn)
	}
}

// endCall moves to Ending. An internal end plays the closing notice first
// when synthesis still works; a hang-up ends at once.
func (c *TurnController) endCall(reason string, cause error, internal bool) {
	switch c.state {
	case Ended:
		return
	case Ending:
		if !internal {
			c.finish()
		}
		return
	}

	log.Printf("[TurnController] call=%s ending: %s", c.callID, reason)
	c.endReason = reason
	c.mu.Lock()
	c.endErr = cause
	c.mu.Unlock()
	c.setState(Ending)

	if u := c.utt; u != nil {
		u.stopTimer()
		c.asr.Abandon(u.id)
		c.utt = nil
	}
	if r := c.resp; r != nil {
		c.dropResponse(r, r.emitted > 0)
	}

	if internal && c.cfg.ClosingNotice != "" && c.synth.Available() == nil {
		c.lastResponse++
		r := &response{id: c.lastResponse, notice: true}
		r.synth = c.synth.Speak(c.ctx, r.id, c.cfg.ClosingNotice)
		c.resp = r
		c.startPlayout()
		c.noticeTimer = time.AfterFunc(c.cfg.ClosingNoticeTimeout, func() {
			c.post(message{kind: msgNoticeTimeout})
		})
		return
	}
	c.finish()
}

func (c *TurnController) finish() {
	if r := c.resp; r != nil {
		c.dropResponse(r, false)
	}
	if c.noticeTimer != nil {
		c.noticeTimer.Stop()
		c.noticeTimer = nil
	}
	c.setState(Ended)
	c.emit(Event{Kind: EventCallEnded, Reason: c.endReason})
	c.record()
	c.cancel()
	log.Printf("[TurnController] call=%s ended (%s) after %s, %d turns", c.callID, c.endReason, c.now().Sub(c.startedAt).Round(time.Millisecond), c.conv.Len())
}

func (c *TurnController) record() {
	if c.recorder == nil {
		return
	}
	rec := store.CallRecord{
		CallID:    c.callID,
		StartedAt: c.startedAt,
		EndedAt:   c.now(),
		EndReason: c.endReason,
		Turns:     c.conv.Snapshot().Turns(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := c.recorder.Save(ctx, rec); err != nil {
		log.Printf("[TurnController] call=%s save record: %v", c.callID, err)
	}
}

func (c *TurnController) onFailover(f provider.Failover) {
	reason := "switched to " + f.To
	if f.To == "" {
		reason = "no provider left"
	}
	log.Printf("[TurnController] call=%s %s failover from %s: %s (%v)", c.callID, f.Capability, f.From, reason, f.Err)
	c.emit(Event{Kind: EventProviderFailover, Provider: f.From, Capability: f.Capability.String(), Reason: reason})
}

func (c *TurnController) setState(s State) {
	if c.state == s {
		return
	}
	log.Printf("[TurnController] call=%s %s -> %s", c.callID, c.state, s)
	c.state = s
	c.emit(Event{Kind: EventStateChanged})
	c.publishInfo()
}

func (c *TurnController) emit(ev Event) {
	if c.state == Ended && ev.Kind != EventCallEnded && ev.Kind != EventStateChanged {
		return
	}
	ev.CallID = c.callID
	ev.State = c.state
	ev.At = c.now()
	c.sink.SendEvent(ev)
}

func (c *TurnController) publishInfo() {
	info := Info{CallID: c.callID, State: c.state, Turns: c.conv.Len()}
	if c.utt != nil {
		info.UtteranceID = c.utt.id
	}
	if c.resp != nil {
		info.ResponseID = c.resp.id
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}

func (c *TurnController) startPlayout() {
	if c.playout == nil {
		c.playout = time.NewTicker(c.cfg.Playout)
	}
}

func (c *TurnController) stopPlayout() {
	if c.playout != nil {
		c.playout.Stop()
		c.playout = nil
	}
}

func (c *TurnController) String() string {
	return fmt.Sprintf("TurnController(%s, %s)", c.callID, c.Info().State)
}
