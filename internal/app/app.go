package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/relaychat-server/internal/auth"
	"github.com/vovakirdan/relaychat-server/internal/config"
	"github.com/vovakirdan/relaychat-server/internal/core"
	applog "github.com/vovakirdan/relaychat-server/internal/log"
	"github.com/vovakirdan/relaychat-server/internal/metrics"
	"github.com/vovakirdan/relaychat-server/internal/notify"
	"github.com/vovakirdan/relaychat-server/internal/relay"
	"github.com/vovakirdan/relaychat-server/internal/store"
	"github.com/vovakirdan/relaychat-server/internal/store/postgres"
	"github.com/vovakirdan/relaychat-server/internal/store/redisstore"
	"github.com/vovakirdan/relaychat-server/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/relaychat-server/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	redis           redis.UniversalClient
	relay           *relay.Relay
	notifier        *notify.Worker
	log             *zerolog.Logger
}

// OpenStore opens the configured relational store and applies migrations.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlite.New(cfg.Path)
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database initialized")

	a := &App{
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		log:             logger,
	}

	var presenceStore store.PresenceStore
	if cfg.Presence.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			a.cleanup()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = rdb
		presenceStore = redisstore.NewPresenceStore(rdb)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis presence enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	}
	authService := auth.NewService(st, jwtConfig)

	a.hub = core.NewHub(core.Options{
		Store:          st,
		Presence:       presenceStore,
		Auth:           authService,
		Logger:         applog.Component(logger, "core"),
		Metrics:        m,
		Window:         cfg.Dispatch.Window,
		MaxBatch:       cfg.Dispatch.MaxBatch,
		ConnBuffer:     cfg.Dispatch.ConnBuffer,
		StorageTimeout: cfg.Dispatch.StorageTimeout,
	})

	if cfg.Relay.NatsURL != "" {
		r, err := relay.Connect(cfg.Relay.NatsURL, cfg.Relay.Subject, cfg.Relay.NodeID, applog.Component(logger, "relay"))
		if err != nil {
			a.cleanup()
			return nil, err
		}
		if err := r.Start(a.hub.Dispatcher().DeliverRemote); err != nil {
			r.Close()
			a.cleanup()
			return nil, err
		}
		a.relay = r
		a.hub.Dispatcher().SetRelay(r)
	}

	// Without a relay this node owns every presence row, so whatever a previous
	// process left online is stale. With a relay, peers own their live rows.
	if a.relay == nil {
		n, err := a.hub.ResetPresence(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("reset stale presence failed")
		} else if n > 0 {
			logger.Info().Int64("rows", n).Msg("stale presence reset")
		}
	} else {
		logger.Info().Msg("relay enabled, stale presence reset skipped")
	}

	if len(cfg.Notify.KafkaBrokers) > 0 {
		writer := notify.NewKafkaWriter(cfg.Notify.KafkaBrokers, cfg.Notify.Topic)
		a.notifier = notify.NewWorker(st, a.hub.Presence(), writer, cfg.Notify.QueueSize, applog.Component(logger, "notify"))
		a.hub.Dispatcher().SetNotifier(a.notifier)
		logger.Info().Strs("brokers", cfg.Notify.KafkaBrokers).Str("topic", writer.Topic).Msg("offline notifications enabled")
	}

	a.server = transporthttp.NewServer(a.hub, authService, st, cfg, applog.Component(logger, "http"), metrics.Handler(reg))
	return a, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() stdhttp.Handler { return a.server.Handler }

// Run starts the HTTP server and blocks until context cancellation or fatal error.
//
// Shutdown order: stop accepting requests, disconnect every live connection so
// offline presence is persisted, then stop the dispatcher loop.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		a.hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	g, gctx := errgroup.WithContext(ctx)

	if a.notifier != nil {
		g.Go(func() error {
			a.notifier.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)
		a.hub.Close()
		return err
	})

	return g.Wait()
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close relay")
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close notifier")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
