package upstream

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hostgate/hostgate/internal/metrics"
)

// Prober runs the optional active health check described in SPEC_FULL.md
// §4.3 ("Active: optional periodic probe (GET to a configured path) flips
// Unhealthy -> Healthy on success"). One Prober serves a single group.
type Prober struct {
	Group    *Group
	Path     string
	Interval time.Duration
	Timeout  time.Duration
	SiteName string

	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewProber builds a Prober paced by a token-bucket limiter so an active
// probe storm can never itself overload a struggling backend — one probe
// per endpoint per Interval, on average.
func NewProber(g *Group, path string, interval, timeout time.Duration, siteName string, log *zap.Logger, m *metrics.Metrics) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	rps := rate.Limit(float64(len(g.Endpoints)) / interval.Seconds())
	if rps <= 0 {
		rps = rate.Every(interval)
	}
	return &Prober{
		Group:    g,
		Path:     path,
		Interval: interval,
		Timeout:  timeout,
		SiteName: siteName,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rps, 1),
		log:      log.Named("health-prober"),
		metrics:  m,
	}
}

// Run probes every endpoint in the group once per Interval until ctx is
// canceled. It is meant to be launched as its own goroutine per group.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	p.Group.mu.RLock()
	endpoints := append([]*Endpoint(nil), p.Group.Endpoints...)
	p.Group.mu.RUnlock()

	for _, e := range endpoints {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		go p.probeOne(ctx, e)
	}
}

func (p *Prober) probeOne(ctx context.Context, e *Endpoint) {
	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	target := *e.URL
	target.Path = p.Path
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return
	}

	resp, err := p.client.Do(req)
	healthy := err == nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}

	if healthy {
		if e.MarkHealthy() {
			p.log.Info("endpoint health transition",
				zap.String("site", p.SiteName), zap.String("group", p.Group.Name),
				zap.String("endpoint", e.Key()), zap.String("state", Healthy.String()))
		}
	} else {
		if e.MarkUnhealthy(time.Now()) {
			p.log.Warn("endpoint health transition",
				zap.String("site", p.SiteName), zap.String("group", p.Group.Name),
				zap.String("endpoint", e.Key()), zap.String("state", Unhealthy.String()), zap.Error(err))
		}
	}
	if p.metrics != nil {
		v := 0.0
		if e.HealthState() == Healthy {
			v = 1.0
		}
		p.metrics.UpstreamHealth.WithLabelValues(p.SiteName, p.Group.Name, e.Key()).Set(v)
	}
}
