// Package app assembles the pipeline: sinks, catalog, working set, upstream
// sessions, fan-out broker, health supervision and the control plane. All
// shared state lives here and is handed to components at construction;
// nothing reaches for globals.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pulseintel/internal/api"
	"pulseintel/internal/broker"
	"pulseintel/internal/catalog"
	"pulseintel/internal/config"
	"pulseintel/internal/events"
	"pulseintel/internal/health"
	"pulseintel/internal/policy"
	"pulseintel/internal/ratelimit"
	"pulseintel/internal/store"
	"pulseintel/internal/symbols"
	"pulseintel/internal/telemetry"
	"pulseintel/internal/upstream"
)

// App owns every long-lived component of the process.
type App struct {
	cfg *config.Config

	metrics   *telemetry.Metrics
	latch     *health.Latch
	registry  *ratelimit.Registry
	sink      *store.Sink
	analytics *store.Analytics // nil when not configured
	archiver  *store.Archiver  // nil when analytics is nil
	catalog   *catalog.Client
	symbols   *symbols.Manager
	broker    *broker.Broker
	upstream  *upstream.Supervisor
	policy    *policy.Manager
	health    *health.Supervisor
	server    *api.Server
}

// New wires the application from configuration. No I/O beyond opening
// connection pools happens here; streaming starts in Run.
func New(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}
	a.metrics = telemetry.New()
	a.latch = health.NewLatch()

	initialCreds := catalog.Credentials{
		APIKey:     cfg.Bitget.APIKey,
		SecretKey:  cfg.Bitget.SecretKey,
		Passphrase: cfg.Bitget.Passphrase,
	}
	a.registry = ratelimit.NewRegistry(policy.ProfileFor(initialCreds).RateRPS, cfg.Bitget.MaxBurst)

	sink, err := store.NewSink(cfg.Redis, cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("cache sink: %w", err)
	}
	a.sink = sink

	if cfg.ClickHouse.Configured() {
		analytics, err := store.NewAnalytics(cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("analytical sink: %w", err)
		}
		a.analytics = analytics
		a.archiver = store.NewArchiver(analytics, 5*time.Second)
	} else {
		log.Info().Msg("analytical store not configured, archiving disabled")
	}

	a.catalog = catalog.NewClient(cfg.Bitget, a.registry)
	a.symbols = symbols.NewManager(a.catalog, cfg.System.MinVolume24h)
	a.broker = broker.NewBroker(cfg.System.Debounce, cfg.System.BatchInterval, a.metrics)

	tlsCfg, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	a.upstream = upstream.NewSupervisor(a.ingestionSink(), a.broker, a.registry, a.latch, a.metrics, tlsCfg)
	a.policy = policy.NewManager(a.catalog, a.registry, a.symbols, a.upstream,
		cfg.System.MarketTypes, initialCreds)

	var analyticsPinger health.Pinger
	if a.analytics != nil {
		analyticsPinger = a.analytics
	}
	a.health = health.NewSupervisor(a.sink, a.catalog, analyticsPinger,
		a.registry, a.latch, a.metrics, cfg.System.HealthInterval)

	a.server = api.NewServer(cfg.HTTP.Addr(), a.policy, a.health, a.symbols,
		a.catalog, a.broker, a.upstream, a.registry, a.metrics)
	return a, nil
}

// ingestionSink returns the sink the upstream sessions publish into: the
// cache sink, tee'd into the archiver when the analytical store is up.
func (a *App) ingestionSink() upstream.TradeSink {
	if a.archiver == nil {
		return a.sink
	}
	return &archivingSink{sink: a.sink, archiver: a.archiver}
}

// Run starts everything and blocks until ctx is cancelled or the control
// plane fails. Shutdown order is the reverse of creation: sessions first,
// sinks last.
func (a *App) Run(ctx context.Context) error {
	profile := a.policy.Profile()
	markets := a.policy.MarketsFor(profile)
	log.Info().Str("tier", profile.Tier).Strs("markets", markets).Msg("pipeline starting")

	if _, err := a.symbols.Initialize(ctx, markets, profile.MaxSymbolsPerMarket); err != nil {
		return fmt.Errorf("initialize working set: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.broker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.health.Run(gctx)
		return nil
	})
	if a.archiver != nil {
		g.Go(func() error {
			a.archiver.Run(gctx)
			return nil
		})
	}

	a.upstream.Bind(gctx)
	groups := a.symbols.AllGroups(profile.MaxSymbolsPerGroup)
	if err := a.upstream.Start(groups, profile.Books); err != nil {
		return fmt.Errorf("start sessions: %w", err)
	}

	g.Go(func() error {
		return a.server.Run(gctx)
	})

	err := g.Wait()

	a.upstream.StopAll()
	if cerr := a.sink.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("cache sink close")
	}
	if a.analytics != nil {
		if cerr := a.analytics.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("analytical sink close")
		}
	}
	return err
}

// archivingSink tees published trades into the analytical archiver. Only
// trades that actually reached the stream are archived; dedup hits are not.
type archivingSink struct {
	sink     *store.Sink
	archiver *store.Archiver
}

func (t *archivingSink) PublishTrade(ctx context.Context, trade events.Trade) (bool, error) {
	published, err := t.sink.PublishTrade(ctx, trade)
	if published {
		t.archiver.Enqueue(trade)
	}
	return published, err
}

func (t *archivingSink) PutBook(ctx context.Context, b events.BookUpdate) error {
	return t.sink.PutBook(ctx, b)
}
