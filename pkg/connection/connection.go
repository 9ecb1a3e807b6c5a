// Package connection bridges telephony transports to call sessions.
package connection

import (
	"github.com/realtime-ai/callflow/pkg/pipeline"
)

// ConnectionState represents the state of a connection.
type ConnectionState int

const (
	// ConnectionStateNew - Initial state, connection not yet started
	ConnectionStateNew ConnectionState = iota
	// ConnectionStateConnecting - Socket open, waiting for the stream to start
	ConnectionStateConnecting
	// ConnectionStateConnected - Stream started, audio flowing
	ConnectionStateConnected
	// ConnectionStateDisconnected - The far end stopped the stream
	ConnectionStateDisconnected
	// ConnectionStateFailed - Transport error
	ConnectionStateFailed
	// ConnectionStateClosed - Connection closed by either side
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionEventHandler handles connection lifecycle events. Callbacks run
// on the connection's read goroutine.
type ConnectionEventHandler interface {
	// OnConnectionStateChange is called when the connection state changes.
	OnConnectionStateChange(state ConnectionState)

	// OnAudio is called for every inbound caller frame.
	OnAudio(frame pipeline.AudioFrame)

	// OnDTMF is called when the caller presses a key.
	OnDTMF(digit string)

	// OnError is called when an error occurs.
	OnError(err error)
}

// NoOpConnectionEventHandler is a no-op implementation for convenience.
type NoOpConnectionEventHandler struct{}

func (h *NoOpConnectionEventHandler) OnConnectionStateChange(state ConnectionState) {}
func (h *NoOpConnectionEventHandler) OnAudio(frame pipeline.AudioFrame)             {}
func (h *NoOpConnectionEventHandler) OnDTMF(digit string)                           {}
func (h *NoOpConnectionEventHandler) OnError(err error)                             {}
