package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-offline-service/internal/observability"
)

// ProbeFunc checks connectivity. nil means reachable.
type ProbeFunc func(ctx context.Context) error

// HTTPProbe returns a ProbeFunc that issues a GET to url. Any HTTP response,
// whatever its status, counts as reachable.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.Body.Close()
	}
}

// ProberConfig configures a Prober. Zero values take defaults.
type ProberConfig struct {
	Interval        time.Duration // probe period while online
	RecoveryInitial time.Duration // first Fibonacci delay while offline
	RecoveryMax     time.Duration // largest Fibonacci delay; probing continues at this period
	Timeout         time.Duration // per-probe timeout
}

func (c *ProberConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RecoveryInitial <= 0 {
		c.RecoveryInitial = time.Second
	}
	if c.RecoveryMax < c.RecoveryInitial {
		c.RecoveryMax = 60 * c.RecoveryInitial
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Prober drives a Monitor from periodic probes: a fixed interval while online
// and Fibonacci-spaced recovery probes while offline.
type Prober struct {
	monitor *Monitor
	probe   ProbeFunc
	cfg     ProberConfig
	logger  *zap.Logger
}

// NewProber creates a Prober.
func NewProber(monitor *Monitor, probe ProbeFunc, cfg ProberConfig, logger *zap.Logger) *Prober {
	cfg.applyDefaults()
	return &Prober{monitor: monitor, probe: probe, cfg: cfg, logger: observability.OrNop(logger)}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if !p.monitor.IsOnline() {
			p.recover(ctx)
			continue
		}
		if !sleep(ctx, p.cfg.Interval) {
			return
		}
		if !p.monitor.IsOnline() {
			continue
		}
		if err := p.probeOnce(ctx); err != nil {
			p.logger.Warn("connectivity probe failed, going offline", zap.Error(err))
			p.monitor.SetOnline(false)
		}
	}
}

// recover probes at Fibonacci delays until a probe succeeds, the state is
// set online elsewhere, or ctx ends. Once the sequence is used up it keeps
// probing at the last delay.
func (p *Prober) recover(ctx context.Context) {
	delays := fibDelays(p.cfg.RecoveryInitial, p.cfg.RecoveryMax)
	for i := 0; ; i++ {
		d := delays[min(i, len(delays)-1)]
		if !sleep(ctx, d) {
			return
		}
		if p.monitor.IsOnline() {
			return
		}
		if err := p.probeOnce(ctx); err == nil {
			p.logger.Info("connectivity recovered", zap.Int("attempts", i+1))
			p.monitor.SetOnline(true)
			return
		}
		if i == len(delays)-1 {
			p.logger.Warn("recovery backoff exhausted, probing at max interval",
				zap.Duration("interval", d))
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	err := p.probe(probeCtx)
	if err != nil {
		observability.NetworkProbesTotal.WithLabelValues("failure").Inc()
		return err
	}
	observability.NetworkProbesTotal.WithLabelValues("success").Inc()
	return nil
}

// fibDelays returns initial * 1, 2, 3, 5, 8, ... up to max. Always at least one element.
func fibDelays(initial, max time.Duration) []time.Duration {
	a, b := 1.0, 2.0
	var out []time.Duration
	for {
		d := time.Duration(a * float64(initial))
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	if len(out) == 0 {
		out = append(out, initial)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
