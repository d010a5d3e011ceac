package cache_source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/anscache/pkg/answer_cache"
)

var nopLogger = zap.NewNop()

type ProviderOpts struct {
	// Source cannot be nil.
	Source Source

	// Build is passed to answer_cache.Build on every load. Its Logger
	// defaults to Logger.
	Build answer_cache.BuildOptions

	// Logger optionally specifies a logger for the provider.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// Registerer optionally registers the provider metrics.
	Registerer prometheus.Registerer
}

// Provider owns the current answer table. Every load builds a complete
// new table and publishes it atomically. A failed load keeps the
// previous table.
type Provider struct {
	opts  ProviderOpts
	table atomic.Pointer[answer_cache.Table]
	sf    singleflight.Group

	entries prometheus.Gauge
	reloads *prometheus.CounterVec
}

func NewProvider(opts ProviderOpts) (*Provider, error) {
	if opts.Source == nil {
		return nil, errors.New("nil source")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Build.Logger == nil {
		opts.Build.Logger = opts.Logger
	}

	p := &Provider{
		opts: opts,
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "The number of entries in the current answer table",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reloads_total",
			Help: "The total number of answer table loads by result",
		}, []string{"result"}),
	}
	if r := opts.Registerer; r != nil {
		for _, c := range []prometheus.Collector{p.entries, p.reloads} {
			if err := r.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register metrics, %w", err)
			}
		}
	}
	return p, nil
}

// Table returns the current table. It is nil before the first
// successful load.
func (p *Provider) Table() *answer_cache.Table {
	return p.table.Load()
}

// Reload builds a new table from the source and swaps it in. Concurrent
// calls share one build.
func (p *Provider) Reload(ctx context.Context) (*answer_cache.Table, error) {
	v, err, _ := p.sf.Do("reload", func() (any, error) {
		t, err := p.load(ctx)
		if err != nil {
			p.reloads.WithLabelValues("failure").Inc()
			p.opts.Logger.Error("failed to load answer table", zap.Stringer("source", p.opts.Source), zap.Error(err))
			return nil, err
		}
		p.table.Store(t)
		p.entries.Set(float64(t.Len()))
		p.reloads.WithLabelValues("success").Inc()
		p.opts.Logger.Info("answer table loaded", zap.Stringer("source", p.opts.Source), zap.Int("entries", t.Len()))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*answer_cache.Table), nil
}

func (p *Provider) load(ctx context.Context) (*answer_cache.Table, error) {
	rc, err := p.opts.Source.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s, %w", p.opts.Source, err)
	}
	defer rc.Close()
	return answer_cache.Build(rc, p.opts.Build)
}
