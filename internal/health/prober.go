// Package health probes the pipeline's external dependencies independently
// of any in-flight invocation.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DependencyStatus is one probe result.
type DependencyStatus struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report aggregates all probe results.
type Report struct {
	Healthy      bool                        `json:"healthy"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	CheckedAt    time.Time                   `json:"checked_at"`
}

// Probe checks one dependency. It should be cheap and honor the context.
type Probe func(ctx context.Context) error

// Prober runs registered probes in parallel and caches the report for a TTL
// so health endpoints don't hammer the upstream services.
type Prober struct {
	mu     sync.Mutex
	probes map[string]Probe
	ttl    time.Duration

	cached   *Report
	cachedAt time.Time
	nowFunc  func() time.Time
}

// NewProber builds a prober with the given cache TTL. Zero means 5 minutes.
func NewProber(ttl time.Duration) *Prober {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Prober{
		probes:  make(map[string]Probe),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// Register adds a named dependency probe. Not safe to call once Check is in use.
func (p *Prober) Register(name string, probe Probe) {
	p.probes[name] = probe
}

// Check returns the cached report if fresh, otherwise runs all probes in
// parallel and caches the result.
func (p *Prober) Check(ctx context.Context) Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	if p.cached != nil && now.Sub(p.cachedAt) < p.ttl {
		return *p.cached
	}

	report := Report{
		Healthy:      true,
		Dependencies: make(map[string]DependencyStatus, len(p.probes)),
		CheckedAt:    now,
	}

	var rmu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, probe := range p.probes {
		name, probe := name, probe
		g.Go(func() error {
			start := time.Now()
			err := probe(gctx)
			status := DependencyStatus{
				Healthy:   err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				status.Error = err.Error()
			}
			rmu.Lock()
			report.Dependencies[name] = status
			if err != nil {
				report.Healthy = false
			}
			rmu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.cached = &report
	p.cachedAt = now
	return report
}

// Invalidate drops the cached report, forcing the next Check to re-probe.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}
