package provider

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// HealthConfig controls how reported failures move a backend between states.
type HealthConfig struct {
	// UnavailableAfter consecutive failures mark a backend unavailable.
	UnavailableAfter int
	// RecoveryAfter lets an unavailable backend be tried again, as degraded.
	RecoveryAfter time.Duration
}

// DefaultHealthConfig returns the registry defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		UnavailableAfter: 2,
		RecoveryAfter:    30 * time.Second,
	}
}

type key struct {
	capability Capability
	name       string
}

type entry struct {
	desc       Descriptor
	health     Health
	failures   int
	lastError  string
	lastChange time.Time
}

// Registry is the process-wide table of backends and their health. It is
// the only state shared between calls.
type Registry struct {
	mu      sync.RWMutex
	cfg     HealthConfig
	entries map[key]*entry
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg HealthConfig) *Registry {
	def := DefaultHealthConfig()
	if cfg.UnavailableAfter <= 0 {
		cfg.UnavailableAfter = def.UnavailableAfter
	}
	if cfg.RecoveryAfter <= 0 {
		cfg.RecoveryAfter = def.RecoveryAfter
	}
	return &Registry{
		cfg:     cfg,
		entries: make(map[key]*entry),
		now:     time.Now,
	}
}

// Register adds a backend for a capability.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("register %s provider: empty name", d.Capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{d.Capability, d.Name}
	if _, ok := r.entries[k]; ok {
		return fmt.Errorf("register %s provider %s: already registered", d.Capability, d.Name)
	}
	r.entries[k] = &entry{desc: d, health: Healthy, lastChange: r.now()}
	log.Printf("[Registry] registered %s provider %s (latency=%d quality=%d)",
		d.Capability, d.Name, d.LatencyRank, d.QualityRank)
	return nil
}

// Select returns the best candidate for the capability, skipping excluded
// names and unavailable backends. Candidates are ordered by health, then by
// the policy rank, then by name.
func (r *Registry) Select(c Capability, p Policy, exclude ...string) (Descriptor, error) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*entry
	for k, e := range r.entries {
		if k.capability != c || contains(exclude, k.name) {
			continue
		}
		if r.effectiveHealth(e, now) == Unavailable {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Descriptor{}, Exhausted(c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ha, hb := r.effectiveHealth(a, now), r.effectiveHealth(b, now)
		if ha != hb {
			return ha < hb
		}
		if ra, rb := a.desc.rank(p), b.desc.rank(p); ra != rb {
			return ra < rb
		}
		return a.desc.Name < b.desc.Name
	})
	return candidates[0].desc, nil
}

// effectiveHealth treats an unavailable backend past its recovery window as
// degraded so it gets probed again. Callers hold at least the read lock.
func (r *Registry) effectiveHealth(e *entry, now time.Time) Health {
	if e.health == Unavailable && now.Sub(e.lastChange) >= r.cfg.RecoveryAfter {
		return Degraded
	}
	return e.health
}

// ReportFailure records a failed request against a backend.
func (r *Registry) ReportFailure(c Capability, name string, err error) Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key{c, name}]
	if !ok {
		return Unavailable
	}

	now := r.now()
	prev := r.effectiveHealth(e, now)
	e.failures++
	if err != nil {
		e.lastError = err.Error()
	}

	next := Degraded
	if e.failures >= r.cfg.UnavailableAfter {
		next = Unavailable
	}
	if next != e.health || prev != e.health {
		e.lastChange = now
	}
	e.health = next
	if prev != next {
		log.Printf("[Registry] %s provider %s: %s -> %s after %d failures (%v)", c, name, prev, next, e.failures, err)
	}
	return next
}

// ReportSuccess marks a backend healthy again.
func (r *Registry) ReportSuccess(c Capability, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key{c, name}]
	if !ok {
		return
	}
	if e.health != Healthy {
		log.Printf("[Registry] %s provider %s: %s -> healthy", c, name, e.health)
		e.lastChange = r.now()
	}
	e.health = Healthy
	e.failures = 0
	e.lastError = ""
}

// Health returns the current health of a backend.
func (r *Registry) Health(c Capability, name string) (Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key{c, name}]
	if !ok {
		return Unavailable, false
	}
	return r.effectiveHealth(e, r.now()), true
}

// Snapshot lists every backend, ordered by capability and name.
func (r *Registry) Snapshot() []Status {
	now := r.now()

	r.mu.RLock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Status{
			Descriptor:          e.desc,
			Health:              r.effectiveHealth(e, now),
			ConsecutiveFailures: e.failures,
			LastError:           e.lastError,
			LastChange:          e.lastChange,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
