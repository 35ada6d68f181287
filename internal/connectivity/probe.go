package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"fieldsync/internal/logging"
)

// Probe decides reachability by polling a health endpoint.
type Probe struct {
	*hub
	url      string
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

func NewProbe(url string, interval, timeout time.Duration) *Probe {
	return &Probe{
		hub:      newHub(false),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component("connectivity"),
	}
}

// Run checks immediately and then every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Check(ctx)
		}
	}
}

// Check performs one probe and updates state.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if p.set(online) {
		p.logger.Info().Bool("online", online).Str("url", p.url).Msg("connectivity changed")
	}
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Msg("probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
