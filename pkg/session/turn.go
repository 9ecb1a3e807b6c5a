package session

import (
	"strings"
	"time"

	"github.com/realtime-ai/callflow/pkg/conversation"
	"github.com/realtime-ai/callflow/pkg/llm"
	"github.com/realtime-ai/callflow/pkg/trace"
	"github.com/realtime-ai/callflow/pkg/tts"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// utterance is the caller turn being transcribed.
type utterance struct {
	id        uint64
	start     time.Time
	partial   string
	final     string
	hasFinal  bool
	silent    bool // VAD reported the end of speech
	resumed   bool // speech started again while waiting for the final
	failed    bool // the backend failed; finalized with what was heard once VAD ends the segment
	finalized bool
	timer     *time.Timer
}

func (u *utterance) stopTimer() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

// heard is everything transcribed so far, final text preferred.
func (u *utterance) heard() string {
	if u.hasFinal {
		return u.final
	}
	return u.partial
}

// response is the agent reply in flight.
type response struct {
	id        uint64
	utterance uint64
	turn      conversation.TurnID
	gen       *llm.Generation
	synth     *tts.Stream
	texts     []string // chunk text by Seq-1
	genDone   bool
	sealed    bool   // the final chunk reached synthesis
	emitted   uint64 // last frame Seq handed to the sink
	notice    bool   // closing notice, not part of the conversation
	span      oteltrace.Span
}

func (r *response) endSpan(reason string) {
	if r.span == nil {
		return
	}
	r.span.SetAttributes(
		attribute.String(trace.AttrReason, reason),
		attribute.Int(trace.AttrChunkCount, len(r.texts)),
		attribute.Int64(trace.AttrFrameCount, int64(r.emitted)),
	)
	r.span.End()
	r.span = nil
}

// spoken returns the text of every chunk whose audio at least started
// playing.
func (r *response) spoken() string {
	if r.emitted == 0 || r.synth == nil {
		return ""
	}
	n := int(r.synth.ChunkAt(r.emitted))
	return joinText(r.texts[:min(n, len(r.texts))]...)
}

func (r *response) text() string {
	return joinText(r.texts...)
}

func joinText(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
