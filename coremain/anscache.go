package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/anscache/mlog"
	"github.com/pmkol/anscache/pkg/cache_source"
	"github.com/pmkol/anscache/pkg/server"
	"github.com/pmkol/anscache/pkg/server/dns_handler"
)

type Anscache struct {
	logger      *zap.Logger
	provider    *cache_source.Provider
	sourceClose io.Closer
	handler     dns_handler.Handler
	servers     []*server.Server

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry
}

// RunAnscache loads the answer cache and serves it until ctx is done or
// a listener fails.
func RunAnscache(ctx context.Context, cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetDefault(lg)
	m, err := newAnscache(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer m.sourceClose.Close()
	return m.run(ctx, cfg)
}

func newAnscache(ctx context.Context, cfg *Config, lg *zap.Logger) (*Anscache, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no server is configured")
	}

	m := &Anscache{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
	}

	src, closer, err := cfg.Cache.source()
	if err != nil {
		return nil, fmt.Errorf("invalid cache config, %w", err)
	}
	buildOpts, err := cfg.Cache.buildOptions(lg)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("invalid cache config, %w", err)
	}
	m.provider, err = cache_source.NewProvider(cache_source.ProviderOpts{
		Source:     src,
		Build:      buildOpts,
		Logger:     lg,
		Registerer: m.GetMetricsReg(),
	})
	if err != nil {
		closer.Close()
		return nil, err
	}
	if _, err := m.provider.Reload(ctx); err != nil {
		closer.Close()
		return nil, fmt.Errorf("failed to load answer cache, %w", err)
	}

	fb, err := cfg.Fallback.build(lg)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("invalid fallback config, %w", err)
	}
	m.handler, err = dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:       lg,
		Tables:       m.provider,
		Fallback:     fb,
		QueryTimeout: time.Duration(cfg.Fallback.Timeout) * time.Second,
		Registerer:   m.GetMetricsReg(),
	})
	if err != nil {
		closer.Close()
		return nil, err
	}
	m.sourceClose = closer

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.httpAPIMux.HandleFunc("POST /reload", m.handleReload)
	return m, nil
}

func (m *Anscache) run(ctx context.Context, cfg *Config) error {
	g, gCtx := errgroup.WithContext(ctx)

	// Listen everything first so an address error aborts the start.
	var (
		serveFuncs []func() error
		listeners  []io.Closer
	)
	for i := range cfg.Servers {
		f, l, err := m.listen(&cfg.Servers[i])
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
		serveFuncs = append(serveFuncs, f)
		listeners = append(listeners, l)
	}
	for _, f := range serveFuncs {
		g.Go(f)
	}

	if cfg.Cache.Watch && len(cfg.Cache.File) > 0 {
		g.Go(func() error {
			err := cache_source.Watch(gCtx, cfg.Cache.File, m.provider, 0, m.logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	var httpServer *http.Server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer = &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		g.Go(func() error {
			m.logger.Info("starting api http server", zap.String("addr", httpAddr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		m.logger.Info("shutting down")
		for _, s := range m.servers {
			s.Close()
		}
		if httpServer != nil {
			httpServer.Close()
		}
		return nil
	})
	return g.Wait()
}

// listen opens the listener of sc and returns the function serving it.
func (m *Anscache) listen(sc *ServerConfig) (func() error, io.Closer, error) {
	if len(sc.Addr) == 0 {
		return nil, nil, errors.New("no address to bind")
	}

	s := server.NewServer(server.ServerOpts{
		Logger:      m.logger,
		DNSHandler:  m.handler,
		IdleTimeout: time.Duration(sc.IdleTimeout) * time.Second,
	})

	var (
		serve func() error
		l     io.Closer
	)
	switch sc.Protocol {
	case "", "udp":
		c, err := net.ListenPacket("udp", sc.Addr)
		if err != nil {
			return nil, nil, err
		}
		serve, l = func() error { return s.ServeUDP(c) }, c
	case "tcp":
		tl, err := net.Listen("tcp", sc.Addr)
		if err != nil {
			return nil, nil, err
		}
		serve, l = func() error { return s.ServeTCP(tl) }, tl
	default:
		return nil, nil, fmt.Errorf("unknown protocol: [%s]", sc.Protocol)
	}
	m.servers = append(m.servers, s)

	m.logger.Info("starting server", zap.String("proto", sc.Protocol), zap.String("addr", sc.Addr))
	return func() error {
		if err := serve(); !errors.Is(err, server.ErrServerClosed) {
			return fmt.Errorf("server %s exited, %w", sc.Addr, err)
		}
		return nil
	}, l, nil
}

func (m *Anscache) handleReload(w http.ResponseWriter, r *http.Request) {
	t, err := m.provider.Reload(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "reloaded, %d entries\n", t.Len())
}

func (m *Anscache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("anscache_", m.metricsReg)
}

func (m *Anscache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
