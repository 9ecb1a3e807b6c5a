// Package session runs the conversation of one phone call: it listens to
// caller audio, decides when the caller's turn is over, drives response
// generation and speech synthesis, and cuts the agent off when the caller
// barges in.
package session

import (
	"errors"
	"time"
)

// ErrCallTerminated is the end reason when the telephony side hangs up.
var ErrCallTerminated = errors.New("call terminated")

// State of the turn-taking state machine.
type State int

const (
	Listening State = iota
	CallerSpeaking
	Thinking
	Responding
	Interrupted
	Ending
	Ended
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case CallerSpeaking:
		return "caller_speaking"
	case Thinking:
		return "thinking"
	case Responding:
		return "responding"
	case Interrupted:
		return "interrupted"
	case Ending:
		return "ending"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// EventKind names a lifecycle event.
type EventKind string

const (
	EventTurnStarted      EventKind = "turn-started"
	EventTurnEnded        EventKind = "turn-ended"
	EventInterrupted      EventKind = "interrupted"
	EventCallEnded        EventKind = "call-ended"
	EventProviderFailover EventKind = "provider-failover"
	EventStateChanged     EventKind = "state-changed"
)

// Event is delivered to the telephony side.
type Event struct {
	Kind        EventKind `json:"kind"`
	CallID      string    `json:"call_id"`
	UtteranceID uint64    `json:"utterance_id,omitempty"`
	ResponseID  uint64    `json:"response_id,omitempty"`
	State       State     `json:"state"`
	Provider    string    `json:"provider,omitempty"`
	Capability  string    `json:"capability,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// End and turn reasons.
const (
	ReasonBargeIn         = "barge_in"
	ReasonCallerResumed   = "caller_resumed"
	ReasonCompleted       = "completed"
	ReasonEmptyTranscript = "empty_transcript"
	ReasonTranscriptLost  = "transcript_lost"
	ReasonHangup          = "caller_hangup"
	ReasonExhausted       = "providers_exhausted"
)

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
