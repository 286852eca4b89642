package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Poller runs background health checks against every endpoint's
// configured health-check URL and feeds the results back into the
// Registry's state machine.
type Poller struct {
	registry *Registry
	logger   zerolog.Logger
	client   *http.Client
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a Poller. interval is the minimum tick between
// scan passes; individual endpoints are only actually checked once
// their own HealthCheckInterval has elapsed.
func NewPoller(registry *Registry, logger zerolog.Logger, interval time.Duration) *Poller {
	if interval < time.Second {
		interval = time.Second
	}
	return &Poller{
		registry: registry,
		logger:   logger.With().Str("component", "endpoint_health_poller").Logger(),
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the background polling loop.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

func (p *Poller) scan(ctx context.Context) {
	due := p.registry.DueForCheck(time.Now())
	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ep := range due {
		wg.Add(1)
		go func(url, id string, timeout time.Duration) {
			defer wg.Done()
			p.checkOne(ctx, id, url, timeout)
		}(ep.HealthCheckURL, ep.ID, time.Duration(ep.TimeoutSeconds)*time.Second)
	}
	wg.Wait()
}

func (p *Poller) checkOne(ctx context.Context, endpointID, url string, timeout time.Duration) {
	if url == "" {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, url, nil)
	if err != nil {
		p.registry.SetHealthCheckResult(endpointID, false, 0)
		return
	}
	resp, err := p.client.Do(req)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		p.logger.Debug().Str("endpoint", endpointID).Err(err).Msg("health check failed")
		p.registry.SetHealthCheckResult(endpointID, false, latency)
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	p.registry.SetHealthCheckResult(endpointID, healthy, latency)
}
