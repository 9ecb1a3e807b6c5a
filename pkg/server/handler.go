package server

import (
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/session"
)

// CallFactory builds the session of a new call. sink is the telephony leg
// the session talks back to.
type CallFactory interface {
	NewCall(callID, streamSID string, sink session.Sink) (*session.CallSession, error)
}

// CallFactoryFunc adapts a function to CallFactory.
type CallFactoryFunc func(callID, streamSID string, sink session.Sink) (*session.CallSession, error)

func (f CallFactoryFunc) NewCall(callID, streamSID string, sink session.Sink) (*session.CallSession, error) {
	return f(callID, streamSID, sink)
}

// SessionFactory creates sessions over a shared set of providers.
type SessionFactory struct {
	Providers session.Providers
	Options   session.Options
}

func (f *SessionFactory) NewCall(callID, streamSID string, sink session.Sink) (*session.CallSession, error) {
	return session.NewCallSession(callID, streamSID, f.Providers, f.Options, sink)
}

// HealthReporter exposes backend health for the health endpoint.
// *provider.Registry satisfies it.
type HealthReporter interface {
	Snapshot() []provider.Status
}
