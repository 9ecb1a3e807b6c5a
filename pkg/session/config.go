package session

import (
	"time"

	"github.com/realtime-ai/callflow/pkg/conversation"
	"github.com/realtime-ai/callflow/pkg/pipeline"
)

// DefaultClosingNotice is spoken when the call cannot continue.
const DefaultClosingNotice = "I'm sorry, I'm having technical trouble and can't continue this call. Please call back later. Goodbye."

// Config holds the turn-taking policy of a call.
type Config struct {
	// FinalWait bounds the wait for a final transcript after the caller
	// stopped talking. On expiry the latest partial is used.
	FinalWait time.Duration
	// ClosingNotice is spoken before an internal hang-up. Empty disables it.
	ClosingNotice        string
	ClosingNoticeTimeout time.Duration
	// Playout is the interval between outbound frames.
	Playout    time.Duration
	Context    conversation.Budget
	SampleRate int
	InboxSize  int
}

// DefaultConfig returns the starting-point values.
func DefaultConfig() Config {
	return Config{
		FinalWait:            2 * time.Second,
		ClosingNotice:        DefaultClosingNotice,
		ClosingNoticeTimeout: 8 * time.Second,
		Playout:              pipeline.DefaultFrameDuration,
		Context:              conversation.Budget{MaxTurns: 40, MaxTokens: 3000},
		SampleRate:           pipeline.DefaultSampleRate,
		InboxSize:            1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FinalWait <= 0 {
		c.FinalWait = def.FinalWait
	}
	if c.ClosingNoticeTimeout <= 0 {
		c.ClosingNoticeTimeout = def.ClosingNoticeTimeout
	}
	if c.Playout <= 0 {
		c.Playout = def.Playout
	}
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	return c
}
