// Package store persists call records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/realtime-ai/callflow/pkg/conversation"
)

// ErrNotFound is returned when no record exists for a call id.
var ErrNotFound = errors.New("store: call record not found")

// CallRecord is the summary of a finished call.
type CallRecord struct {
	CallID    string              `json:"call_id"`
	StreamSID string              `json:"stream_sid,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at"`
	EndReason string              `json:"end_reason"`
	Turns     []conversation.Turn `json:"turns"`
}

// Store saves and loads call records.
type Store interface {
	Save(ctx context.Context, rec CallRecord) error
	Load(ctx context.Context, callID string) (CallRecord, error)
	List(ctx context.Context) ([]CallRecord, error)
	Close() error
}
