// Package provider routes capability requests to concrete backends and
// tracks their health across calls.
package provider

import (
	"fmt"
	"strings"
	"time"
)

// Capability is an abstract kind of work a backend can do.
type Capability int

const (
	Transcribe Capability = iota
	Generate
	Synthesize
)

func (c Capability) String() string {
	switch c {
	case Transcribe:
		return "transcribe"
	case Generate:
		return "generate"
	case Synthesize:
		return "synthesize"
	default:
		return "unknown"
	}
}

// MarshalText renders the capability name in JSON.
func (c Capability) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Policy chooses how healthy candidates are ranked.
type Policy int

const (
	LatencyFirst Policy = iota
	QualityFirst
)

func (p Policy) String() string {
	if p == QualityFirst {
		return "quality"
	}
	return "latency"
}

// ParsePolicy accepts "latency" or "quality".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latency", "latency-first":
		return LatencyFirst, nil
	case "quality", "quality-first":
		return QualityFirst, nil
	default:
		return LatencyFirst, fmt.Errorf("unknown provider policy %q", s)
	}
}

// Health of a backend as seen from reported outcomes.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the health name in JSON.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// Descriptor registers a backend. Lower ranks are preferred.
type Descriptor struct {
	Name        string     `json:"name"`
	Capability  Capability `json:"capability"`
	LatencyRank int        `json:"latency_rank"`
	QualityRank int        `json:"quality_rank"`
}

func (d Descriptor) rank(p Policy) int {
	if p == QualityFirst {
		return d.QualityRank
	}
	return d.LatencyRank
}

// Status is a point-in-time view of one backend.
type Status struct {
	Descriptor
	Health              Health    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastChange          time.Time `json:"last_change"`
}

// Failover describes a switch away from a failed backend within a call.
// To is empty when no backend was left.
type Failover struct {
	Capability Capability
	From       string
	To         string
	Err        error
}

// FailoverFunc is notified of failovers. It must not block.
type FailoverFunc func(Failover)
