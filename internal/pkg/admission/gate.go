package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/metrics"
)

// Sampler returns CPU idle percentage measured over the interval
type Sampler interface {
	Sample(ctx context.Context, interval time.Duration) (float64, error)
}

// Config for CPU gate
type Config struct {
	Interval  time.Duration // one sample length
	Window    time.Duration // averaging window
	Threshold float64       // min average idle percent
	BusySleep time.Duration // pause before recheck
}

// DefaultConfig returns gate defaults
func DefaultConfig() Config {
	return Config{Interval: time.Second, Window: 10 * time.Second, Threshold: 50, BusySleep: 5 * time.Second}
}

// Gate decides if CPU bound work may start
type Gate struct {
	cfg     Config
	sampler Sampler
	samples int
}

// NewGate creates CPU idle gate
func NewGate(sampler Sampler, cfg Config) (*Gate, error) {
	if sampler == nil {
		return nil, fmt.Errorf("no sampler")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("wrong interval %v", cfg.Interval)
	}
	if cfg.Window < cfg.Interval {
		return nil, fmt.Errorf("window %v < interval %v", cfg.Window, cfg.Interval)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 100 {
		return nil, fmt.Errorf("wrong threshold %v", cfg.Threshold)
	}
	if cfg.BusySleep <= 0 {
		return nil, fmt.Errorf("wrong busy sleep %v", cfg.BusySleep)
	}
	res := &Gate{cfg: cfg, sampler: sampler, samples: int(cfg.Window / cfg.Interval)}
	goapp.Log.Info().Int("samples", res.samples).Dur("interval", cfg.Interval).
		Float64("threshold", cfg.Threshold).Dur("busySleep", cfg.BusySleep).Msg("cpu gate")
	return res, nil
}

// IsIdle samples CPU over the window and compares average idle with threshold.
// Failed samples are skipped, no successful samples means idle.
func (g *Gate) IsIdle(ctx context.Context) bool {
	sum, n := 0.0, 0
	for i := 0; i < g.samples; i++ {
		v, err := g.sampler.Sample(ctx, g.cfg.Interval)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			goapp.Log.Warn().Err(err).Msg("cpu sample")
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return true
	}
	avg := sum / float64(n)
	metrics.CPUIdle.Set(avg)
	res := avg >= g.cfg.Threshold
	goapp.Log.Debug().Float64("idle", avg).Bool("ok", res).Msg("cpu check")
	return res
}

// WaitIdle blocks until CPU is idle. Returns false if stop reported true
// or ctx is done before that.
func (g *Gate) WaitIdle(ctx context.Context, stop func() bool) bool {
	start := time.Now()
	waited := false
	for {
		if stop() || ctx.Err() != nil {
			return false
		}
		if g.IsIdle(ctx) {
			if waited {
				metrics.GateWait.Observe(time.Since(start).Seconds())
				goapp.Log.Info().Dur("waited", time.Since(start)).Msg("cpu idle")
			}
			return true
		}
		if !waited {
			goapp.Log.Info().Msg("cpu busy, waiting")
			waited = true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(g.cfg.BusySleep):
		}
	}
}
