package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ICE6332/MineCompanion-WebUI/internal/bus"
	"github.com/ICE6332/MineCompanion-WebUI/internal/channel"
	"github.com/ICE6332/MineCompanion-WebUI/internal/config"
	"github.com/ICE6332/MineCompanion-WebUI/internal/cron"
	"github.com/ICE6332/MineCompanion-WebUI/internal/llm"
	"github.com/ICE6332/MineCompanion-WebUI/internal/metrics"
	"github.com/ICE6332/MineCompanion-WebUI/internal/protocol"
	"github.com/ICE6332/MineCompanion-WebUI/internal/ratelimit"
	"github.com/ICE6332/MineCompanion-WebUI/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// Options for creating a Gateway. Zero values select the production
// defaults.
type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger
	// Registry serves /metrics. A fresh registry with the Go and process
	// collectors is used when nil.
	Registry     *prometheus.Registry
	Responder    llm.Responder
	TokenCounter protocol.TokenCounter
	BotFactory   channel.BotFactory
	Listener     net.Listener
	SignalChan   chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *zap.Logger

	bus       *bus.EventBus
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	metrics   *metrics.Collector
	responder llm.Responder
	counter   protocol.TokenCounter

	channels *channel.ChannelManager
	monitor  *channel.WebUIChannel
	cron     *cron.Service

	promRegistry *prometheus.Registry
	handler      http.Handler
	listener     net.Listener
	signalChan   chan os.Signal

	mu           sync.Mutex
	server       *http.Server
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	g := &Gateway{
		cfg:          cfg,
		clock:        opts.Clock,
		logger:       opts.Logger.Named("gateway"),
		promRegistry: opts.Registry,
		listener:     opts.Listener,
		signalChan:   opts.SignalChan,
	}

	g.bus = bus.New(bus.Options{
		HistorySize: cfg.Monitor.HistorySize,
		Policy:      bus.SubscriberPolicy(cfg.Monitor.SubscriberPolicy),
		Clock:       opts.Clock,
		Logger:      opts.Logger.Named("bus"),
	})
	g.registry = registry.New(opts.Clock)
	g.limiter = ratelimit.New(ratelimit.Config{
		MaxMessages: cfg.RateLimit.Messages,
		Window:      cfg.RateLimit.WindowDuration(),
	}, opts.Clock)

	m, err := metrics.New(metrics.Options{Clock: opts.Clock, Registerer: opts.Registry})
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	g.metrics = m

	g.responder = opts.Responder
	if g.responder == nil {
		r, status, err := llm.New(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("create responder: %w", err)
		}
		if !status.Ready {
			g.logger.Warn("llm provider not ready, replying with echo", zap.String("provider", status.Provider))
		}
		g.responder = r
		m.SetLLMStatus(status.Provider, status.Ready)
	} else {
		m.SetLLMStatus(g.responder.Name(), true)
	}

	g.counter = opts.TokenCounter
	if g.counter == nil {
		if cfg.Tokens.Counter == config.CounterEstimate {
			g.counter = protocol.EstimateCounter{}
		} else {
			g.counter = protocol.NewTiktokenCounter(opts.Logger.Named("tokens"))
		}
	}

	factory := opts.BotFactory
	var chMgr *channel.ChannelManager
	if factory != nil {
		chMgr, err = channel.NewChannelManagerWithFactory(cfg.Channels, g.bus, opts.Logger, factory)
	} else {
		chMgr, err = channel.NewChannelManager(cfg.Channels, g.bus, opts.Logger)
	}
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	g.monitor = channel.NewWebUIChannel(g.bus, g.metrics, opts.Logger)
	g.channels.Add(g.monitor)

	g.cron = cron.NewService(opts.Logger.Named("cron"))
	if err := g.registerJobs(); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	g.handler = g.routes()
	return g, nil
}

// Handler is the HTTP surface of the gateway.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) Bus() *bus.EventBus { return g.bus }
func (g *Gateway) Registry() *registry.Registry { return g.registry }
func (g *Gateway) Metrics() *metrics.Collector { return g.metrics }
func (g *Gateway) Cron() *cron.Service { return g.cron }
func (g *Gateway) Channels() *channel.ChannelManager { return g.channels }

// Start brings up channels and scheduled jobs without serving HTTP.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start warning", zap.Error(err))
	}
	return nil
}

// Run serves until ctx is cancelled, a signal arrives or the listener
// fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		_ = g.Shutdown()
		return err
	}

	ln := g.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", g.cfg.Gateway.Addr())
		if err != nil {
			_ = g.Shutdown()
			return fmt.Errorf("listen %s: %w", g.cfg.Gateway.Addr(), err)
		}
	}

	srv := &http.Server{Handler: g.handler, ReadHeaderTimeout: 10 * time.Second}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		select {
		case sig := <-sigCh:
			g.logger.Info("shutting down", zap.Stringer("signal", sig))
		case <-egCtx.Done():
			g.logger.Info("shutting down")
		}
		return g.Shutdown()
	})
	return eg.Wait()
}

// Shutdown stops the HTTP server, closes every mod connection and stops
// channels and jobs. It is safe to call more than once.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		var errs error

		g.mu.Lock()
		srv := g.server
		g.mu.Unlock()
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			errs = multierr.Append(errs, srv.Shutdown(ctx))
			cancel()
		}

		var wg sync.WaitGroup
		for _, id := range g.registry.ListIDs() {
			h, ok := g.registry.Get(id)
			if !ok || h == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = h.Close(closeReasonShutdown)
			}()
		}
		wg.Wait()

		g.cron.Stop()
		errs = multierr.Append(errs, g.channels.StopAll())

		g.shutdownErr = errs
		g.logger.Info("shutdown complete")
	})
	return g.shutdownErr
}
