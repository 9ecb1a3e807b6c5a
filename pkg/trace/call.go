package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentCall starts the root span of a call.
func InstrumentCall(ctx context.Context, callID, streamSID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrCallID, callID),
			attribute.String(AttrStreamSID, streamSID),
		),
	)
}

// InstrumentTranscription covers one utterance on one transcription backend.
func InstrumentTranscription(ctx context.Context, callID string, utteranceID uint64, provider string) (context.Context, trace.Span) {
	attrs := append(CallAttrs(callID), ProviderAttrs("transcribe", provider)...)
	attrs = append(attrs, attribute.Int64(AttrUtteranceID, int64(utteranceID)))
	return StartSpan(ctx, "asr.utterance", trace.WithAttributes(attrs...))
}

// InstrumentGeneration covers one response attempt on one generation backend.
func InstrumentGeneration(ctx context.Context, responseID uint64, provider string) (context.Context, trace.Span) {
	attrs := append(ProviderAttrs("generate", provider), attribute.Int64(AttrResponseID, int64(responseID)))
	return StartSpan(ctx, "llm.generation", trace.WithAttributes(attrs...))
}

// InstrumentSynthesis covers one text chunk on one synthesis backend.
func InstrumentSynthesis(ctx context.Context, responseID uint64, provider string, textLen int) (context.Context, trace.Span) {
	attrs := append(ProviderAttrs("synthesize", provider),
		attribute.Int64(AttrResponseID, int64(responseID)),
		attribute.Int("text.length", textLen),
	)
	return StartSpan(ctx, "tts.chunk", trace.WithAttributes(attrs...))
}

// InstrumentTurn covers one agent response, from the caller's final
// transcript to the end of playback.
func InstrumentTurn(ctx context.Context, callID string, utteranceID, responseID uint64, transcriptLen int) (context.Context, trace.Span) {
	attrs := append(CallAttrs(callID),
		attribute.Int64(AttrUtteranceID, int64(utteranceID)),
		attribute.Int64(AttrResponseID, int64(responseID)),
		attribute.Int(AttrFinalText, transcriptLen),
	)
	return StartSpan(ctx, "turn", trace.WithAttributes(attrs...))
}
