// Package mhpush pushes routing tables to MH nodes over HTTP. MH nodes
// are passive: they forward whatever table was pushed last and carry no
// notion of primary or backup.
package mhpush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

type Pusher struct {
	client  *http.Client
	timeout time.Duration
}

var _ core.RoutingPusher = (*Pusher)(nil)

func New(timeout time.Duration) *Pusher {
	return &Pusher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Push delivers one routing table to a node. Failures are the caller's
// problem to log and retry; routing converges on the next push anyway.
func (p *Pusher) Push(ctx context.Context, node domain.MHAssignment, table core.RoutingTable) error {
	body, err := json.Marshal(table)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/v1/routing", node.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("mh %s rejected routing push: %s", node.MHID, resp.Status)
	}
	log.Debug().Str("module", "adapters.mhpush").
		Str("mh", string(node.MHID)).
		Str("meeting", string(table.MeetingID)).
		Int("entries", len(table.Entries)).
		Msg("routing table pushed")
	return nil
}
