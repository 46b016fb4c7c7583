// Package mh tracks media-forwarding node health and selects
// primary/backup assignments with failure-domain diversity.
package mh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/metrics"
)

// Registry consumes MH heartbeats and drives health transitions by
// missed-heartbeat counting. A single missed beat never flips a node;
// flapping is absorbed by the miss thresholds.
type Registry struct {
	mu    sync.RWMutex
	nodes map[domain.MHID]*domain.MHNode

	interval        time.Duration
	degradedMisses  int
	unhealthyMisses int

	onUnhealthy func(domain.MHID)

	now func() time.Time
}

func NewRegistry(interval time.Duration, degradedMisses, unhealthyMisses int) *Registry {
	return &Registry{
		nodes:           make(map[domain.MHID]*domain.MHNode),
		interval:        interval,
		degradedMisses:  degradedMisses,
		unhealthyMisses: unhealthyMisses,
		now:             time.Now,
	}
}

// SetOnUnhealthy registers the callback fired when a node transitions
// to Unhealthy. Used to trigger proactive failover of its assignments.
func (r *Registry) SetOnUnhealthy(f func(domain.MHID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnhealthy = f
}

// ReportHeartbeat ingests one load/health report from an MH node.
func (r *Registry) ReportHeartbeat(id domain.MHID, fd domain.FailureDomain, addr string, load float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		n = &domain.MHNode{ID: id}
		r.nodes[id] = n
		log.Info().Str("module", "app.mh").
			Str("mh", string(id)).
			Str("domain", string(fd)).
			Msg("mh registered")
	}
	recovered := n.Health == domain.MHUnhealthy
	n.Domain = fd
	n.Addr = addr
	n.Load = load
	n.LastHeartbeat = r.now()
	n.MissedBeats = 0
	n.Health = domain.MHHealthy
	if recovered {
		log.Info().Str("module", "app.mh").Str("mh", string(id)).Msg("mh recovered")
	}
	r.updateGauges()
}

// Run sweeps for missed heartbeats until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep recounts missed beats and applies health transitions. Exported
// so tests can drive it without the ticker.
func (r *Registry) Sweep() {
	r.mu.Lock()
	var failed []domain.MHID
	now := r.now()
	for _, n := range r.nodes {
		missed := int(now.Sub(n.LastHeartbeat) / r.interval)
		if missed <= n.MissedBeats {
			continue
		}
		n.MissedBeats = missed
		prev := n.Health
		switch {
		case missed >= r.unhealthyMisses:
			n.Health = domain.MHUnhealthy
		case missed >= r.degradedMisses:
			n.Health = domain.MHDegraded
		}
		if n.Health != prev {
			log.Warn().Str("module", "app.mh").
				Str("mh", string(n.ID)).
				Int("missed", missed).
				Str("health", n.Health.String()).
				Msg("mh health transition")
		}
		if prev != domain.MHUnhealthy && n.Health == domain.MHUnhealthy {
			failed = append(failed, n.ID)
		}
	}
	r.updateGauges()
	cb := r.onUnhealthy
	r.mu.Unlock()

	// Callback outside the lock; it fans out into meeting actors.
	if cb != nil {
		for _, id := range failed {
			cb(id)
		}
	}
}

// Snapshot returns a copy of all tracked nodes.
func (r *Registry) Snapshot() []domain.MHNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MHNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// updateGauges must be called with the mutex held.
func (r *Registry) updateGauges() {
	counts := map[domain.MHHealth]int{}
	for _, n := range r.nodes {
		counts[n.Health]++
	}
	for _, h := range []domain.MHHealth{domain.MHHealthy, domain.MHDegraded, domain.MHUnhealthy} {
		metrics.MHNodes.WithLabelValues(h.String()).Set(float64(counts[h]))
	}
}
