package consul

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	tapi "github.com/airenas/medscribe/internal/pkg/transcriber/api"
	"github.com/hashicorp/consul/api"
	"go.uber.org/multierr"
)

// Service meta keys read from consul registrations
const (
	MetaPath   = "asrPath"
	MetaHTTPS  = "https"
	MetaWeight = "weight"
)

// ErrNoBackend is returned when no healthy ASR instance is known
var ErrNoBackend = errors.New("no ASR backend")

// Factory creates transcriber for base URL
type Factory func(url string) (tapi.Transcriber, error)

type healthAPI interface {
	Service(service, tag string, passingOnly bool, q *api.QueryOptions) ([]*api.ServiceEntry, *api.QueryMeta, error)
}

// Provider keeps healthy ASR instances registered in consul under one service name
type Provider struct {
	health  healthAPI
	srvName string
	factory Factory
	rnd     func() float64

	lock     sync.RWMutex
	backends map[string]*backend
}

type backend struct {
	client tapi.Transcriber
	addr   string
	url    string
	weight float64
}

// NewProvider creates consul based transcriber provider
func NewProvider(cfg *api.Config, srvName string, factory Factory) (*Provider, error) {
	if srvName == "" {
		return nil, fmt.Errorf("no srv name")
	}
	if factory == nil {
		return nil, fmt.Errorf("no transcriber factory")
	}
	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("can't init consul client: %w", err)
	}
	goapp.Log.Info().Str("service", srvName).Str("consul", cfg.Address).Msg("asr discovery")
	return newProvider(c.Health(), srvName, factory), nil
}

func newProvider(h healthAPI, srvName string, factory Factory) *Provider {
	return &Provider{health: h, srvName: srvName, factory: factory, rnd: rand.Float64, backends: map[string]*backend{}}
}

// Pick returns a healthy backend chosen randomly by weight
func (p *Provider) Pick() (tapi.Transcriber, string, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if len(p.backends) == 0 {
		return nil, "", fmt.Errorf("%w: service '%s'", ErrNoBackend, p.srvName)
	}
	b := p.weighted()
	return b.client, b.addr, nil
}

// weighted expects at least one backend and the lock held
func (p *Provider) weighted() *backend {
	all := make([]*backend, 0, len(p.backends))
	sum := 0.0
	for _, b := range p.backends {
		all = append(all, b)
		sum += b.weight
	}
	sort.Slice(all, func(i, j int) bool { return all[i].addr < all[j].addr })
	at := p.rnd() * sum
	for _, b := range all {
		at -= b.weight
		if at < 0 {
			return b
		}
	}
	return all[len(all)-1]
}

// Size returns the number of known backends
func (p *Provider) Size() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.backends)
}

// StartRegistryLoop refreshes backends from consul health checks until ctx is done
func (p *Provider) StartRegistryLoop(ctx context.Context, interval time.Duration) (<-chan struct{}, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("wrong check interval %v", interval)
	}
	goapp.Log.Info().Dur("every", interval).Msg("starting consul checks")
	res := make(chan struct{})
	go func() {
		defer close(res)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := p.refresh(ctx); err != nil {
				goapp.Log.Error().Err(err).Msg("consul refresh")
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				goapp.Log.Info().Msg("consul checks stopped")
				return
			}
		}
	}()
	return res, nil
}

func (p *Provider) refresh(ctx context.Context) error {
	qCtx, cf := context.WithTimeout(ctx, 5*time.Second)
	defer cf()
	entries, _, err := p.health.Service(p.srvName, "", true, (&api.QueryOptions{}).WithContext(qCtx))
	if err != nil {
		return fmt.Errorf("can't query consul: %w", err)
	}
	return p.apply(entries)
}

// apply replaces backends with the passing entries, unchanged ones keep their client
func (p *Provider) apply(entries []*api.ServiceEntry) error {
	var errs error
	next := make(map[string]*backend, len(entries))
	p.lock.RLock()
	old := p.backends
	p.lock.RUnlock()
	for _, e := range entries {
		addr := address(e)
		u, w, err := parseMeta(e)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		if b, ok := old[addr]; ok && b.url == u && b.weight == w {
			next[addr] = b
			continue
		}
		c, err := p.factory(u)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		next[addr] = &backend{client: c, addr: addr, url: u, weight: w}
		goapp.Log.Info().Str("addr", addr).Str("url", u).Float64("weight", w).Msg("asr backend added")
	}
	for addr := range old {
		if _, ok := next[addr]; !ok {
			goapp.Log.Warn().Str("addr", addr).Msg("asr backend dropped")
		}
	}
	p.lock.Lock()
	p.backends = next
	p.lock.Unlock()
	return errs
}

func address(e *api.ServiceEntry) string {
	return e.Service.Address + ":" + strconv.Itoa(e.Service.Port)
}

func parseMeta(e *api.ServiceEntry) (string, float64, error) {
	m := e.Service.Meta
	path, ok := m[MetaPath]
	if !ok {
		return "", 0, fmt.Errorf("no meta '%s'", MetaPath)
	}
	scheme := "http"
	if v, err := strconv.ParseBool(m[MetaHTTPS]); err == nil && v {
		scheme = "https"
	}
	u := (&url.URL{Scheme: scheme, Host: address(e), Path: strings.Trim(path, "/")}).String()
	weight := 1.0
	if v, ok := m[MetaWeight]; ok {
		w, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", 0, fmt.Errorf("wrong weight '%s': %w", v, err)
		}
		if w < 0.5 || w > 50 {
			return "", 0, fmt.Errorf("weight %v not in [0.5, 50]", w)
		}
		weight = w
	}
	return u, weight, nil
}
