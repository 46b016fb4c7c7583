package mh

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/domain"
)

var ErrNoCandidate = errors.New("no usable mh node")

// Scoring weights: health dominates, load breaks ties between equally
// healthy nodes.
const (
	healthWeight = 0.6
	loadWeight   = 0.4
)

// Selector scores usable MH nodes and picks primary/backup pairs in
// distinct failure domains whenever at least two healthy domains exist.
type Selector struct {
	reg *Registry
}

func NewSelector(reg *Registry) *Selector {
	return &Selector{reg: reg}
}

// SelectPair picks a primary and a backup. If only one failure domain
// is usable, both may share it; that degraded-mode selection is logged.
func (s *Selector) SelectPair() (primary, backup domain.MHAssignment, err error) {
	candidates := s.usable()
	if len(candidates) == 0 {
		return primary, backup, ErrNoCandidate
	}

	best := pickBest(candidates, "")
	primary = assignment(best)

	rest := without(candidates, best.ID)
	if len(rest) == 0 {
		// Single node: backup equals primary, media survives only one
		// failure. Logged as degraded selection.
		log.Warn().Str("module", "app.mh").
			Str("mh", string(best.ID)).
			Msg("single usable mh, backup shares primary node")
		return primary, primary, nil
	}

	second := pickBest(rest, best.Domain)
	if second == nil {
		// Only one usable domain left.
		second = pickBest(rest, "")
		log.Warn().Str("module", "app.mh").
			Str("domain", string(best.Domain)).
			Msg("single usable failure domain, backup shares it")
	}
	return primary, assignment(second), nil
}

// SelectExcluding picks one node outside both the excluded domain and
// the excluded node. Used when promoting a backup and finding its
// replacement. Falls back to same-domain selection when no other
// domain is usable.
func (s *Selector) SelectExcluding(excludeDomain domain.FailureDomain, excludeID domain.MHID) (domain.MHAssignment, error) {
	candidates := without(s.usable(), excludeID)
	if len(candidates) == 0 {
		return domain.MHAssignment{}, ErrNoCandidate
	}
	best := pickBest(candidates, excludeDomain)
	if best == nil {
		best = pickBest(candidates, "")
		log.Warn().Str("module", "app.mh").
			Str("domain", string(excludeDomain)).
			Msg("no diverse domain available, selecting within excluded domain")
	}
	return assignment(best), nil
}

func (s *Selector) usable() []domain.MHNode {
	var out []domain.MHNode
	for _, n := range s.reg.Snapshot() {
		if n.Health == domain.MHUnhealthy {
			continue
		}
		out = append(out, n)
	}
	return out
}

// pickBest returns the highest-scoring node not in skipDomain, or nil.
func pickBest(nodes []domain.MHNode, skipDomain domain.FailureDomain) *domain.MHNode {
	var best *domain.MHNode
	bestScore := -1.0
	for i := range nodes {
		n := &nodes[i]
		if skipDomain != "" && n.Domain == skipDomain {
			continue
		}
		if sc := score(n); sc > bestScore {
			best, bestScore = n, sc
		}
	}
	return best
}

func score(n *domain.MHNode) float64 {
	health := 1.0
	if n.Health == domain.MHDegraded {
		health = 0.5
	}
	load := n.Load
	if load > 1 {
		load = 1
	}
	return healthWeight*health + loadWeight*(1-load)
}

func without(nodes []domain.MHNode, id domain.MHID) []domain.MHNode {
	out := make([]domain.MHNode, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

func assignment(n *domain.MHNode) domain.MHAssignment {
	return domain.MHAssignment{MHID: n.ID, Domain: n.Domain, Addr: n.Addr}
}
