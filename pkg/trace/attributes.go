package trace

import "go.opentelemetry.io/otel/attribute"

const (
	AttrCallID      = "call.id"
	AttrStreamSID   = "call.stream_sid"
	AttrUtteranceID = "turn.utterance_id"
	AttrResponseID  = "turn.response_id"
	AttrCapability  = "provider.capability"
	AttrProvider    = "provider.name"
	AttrFinalText   = "transcript.length"
	AttrChunkCount  = "generation.chunks"
	AttrFrameCount  = "synthesis.frames"
	AttrReason      = "reason"
)

// CallAttrs identifies a call.
func CallAttrs(callID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrCallID, callID)}
}

// ProviderAttrs identifies a backend serving a capability.
func ProviderAttrs(capability, name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCapability, capability),
		attribute.String(AttrProvider, name),
	}
}
