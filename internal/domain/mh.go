package domain

import "time"

type (
	MHID          string
	FailureDomain string
)

// MHHealth is the registry's view of one media-forwarding node.
type MHHealth int

const (
	MHHealthy MHHealth = iota
	MHDegraded
	MHUnhealthy
)

func (h MHHealth) String() string {
	switch h {
	case MHHealthy:
		return "healthy"
	case MHDegraded:
		return "degraded"
	case MHUnhealthy:
		return "unhealthy"
	}
	return "unknown"
}

// MHNode is a media-forwarding node as reported by its heartbeats.
type MHNode struct {
	ID            MHID          `json:"id"`
	Domain        FailureDomain `json:"failure_domain"`
	Addr          string        `json:"addr"`
	Load          float64       `json:"load"`
	Health        MHHealth      `json:"-"`
	LastHeartbeat time.Time     `json:"-"`
	MissedBeats   int           `json:"-"`
}

// MHAssignment is a participant's routing target. Never mutated by a
// client; only the selector writes it.
type MHAssignment struct {
	MHID   MHID          `json:"mh_id"`
	Domain FailureDomain `json:"failure_domain"`
	Addr   string        `json:"addr"`
}
