package server

import (
	"time"

	"github.com/realtime-ai/callflow/pkg/pipeline"
)

// TwilioServerConfig holds configuration for TwilioMediaServer.
type TwilioServerConfig struct {
	// Address is the listen address (e.g., ":8080")
	Address string

	// WebSocketPath is the path for WebSocket connections (default: "/media")
	WebSocketPath string

	// TwiMLPath is the path for TwiML webhook (default: "/twiml")
	TwiMLPath string

	// HealthPath reports provider health and active calls (default: "/healthz")
	HealthPath string

	// StreamURL is the public URL for WebSocket connections, used in the
	// TwiML <Connect><Stream>. Empty derives wss://<Host><WebSocketPath>
	// from the webhook request.
	StreamURL string

	// ReadBufferSize for WebSocket (default: 1024)
	ReadBufferSize int

	// WriteBufferSize for WebSocket (default: 1024)
	WriteBufferSize int

	// CustomParameters to pass from TwiML to the stream
	CustomParameters map[string]string

	// SampleRate of the session side audio (default: 16000)
	SampleRate int

	// StartTimeout bounds the wait for Twilio's start event (default: 10s)
	StartTimeout time.Duration
}

func (c TwilioServerConfig) withDefaults() TwilioServerConfig {
	if c.WebSocketPath == "" {
		c.WebSocketPath = "/media"
	}
	if c.TwiMLPath == "" {
		c.TwiMLPath = "/twiml"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/healthz"
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 1024
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = 1024
	}
	if c.SampleRate == 0 {
		c.SampleRate = pipeline.DefaultSampleRate
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 10 * time.Second
	}
	return c
}
