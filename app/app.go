// Package app wires the store, fanout bus, services and HTTP server together
// and runs them until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatsync/auth"
	"chatsync/chat"
	"chatsync/config"
	"chatsync/database"
	"chatsync/fanout"
	"chatsync/gateway"
	"chatsync/handlers"
	"chatsync/metrics"
	"chatsync/presence"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *database.Store
	bus       fanout.Bus
	hub       *gateway.Hub
	tracker   *presence.Tracker
	scheduler *presence.Scheduler
	server    *http.Server
}

// New builds every component. Nothing is served until Run.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	instanceID := cfg.Presence.InstanceID
	log = log.With(zap.String("instance_id", instanceID))

	store, err := database.Open(ctx, cfg.Database, log.Named("database"))
	if err != nil {
		return nil, err
	}

	bus, err := newBus(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	issuer, err := auth.NewIssuer(cfg.Auth)
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return nil, err
	}

	m := metrics.New()
	svc := chat.NewService(store, bus, instanceID, cfg.Pagination, m, log)
	tracker := presence.NewTracker(store, bus, instanceID, cfg.Presence.StaleAfter, m, log)
	hub := gateway.NewHub(cfg.Gateway, cfg.Server.AllowedOrigins, svc, tracker, bus, instanceID, m, log)
	h := handlers.New(svc, tracker, store, issuer, hub, cfg.Auth.CookieName, log)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		bus:     bus,
		hub:     hub,
		tracker: tracker,
		server: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      h.Router(m),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}, nil
}

// newBus picks the fanout transport. A postgres bus shares the store's DSN so
// every process listening on the same database sees every event.
func newBus(cfg *config.Config, log *zap.Logger) (fanout.Bus, error) {
	var bus fanout.Bus
	switch cfg.Fanout.Driver {
	case "postgres":
		if cfg.Database.Driver != "postgres" {
			return nil, errors.New("postgres fanout requires the postgres database driver")
		}
		pg, err := fanout.NewPostgresBus(cfg.Database.DSN, cfg.Fanout, log)
		if err != nil {
			return nil, err
		}
		bus = pg
	default:
		log.Warn("using in-memory fanout; events will not reach other processes")
		bus = fanout.NewMemoryBus(log)
	}
	return fanout.NewBreaker(bus, fanout.BreakerConfig{}, log.Named("fanout")), nil
}

// Run serves until ctx is cancelled, then shuts down in dependency order:
// stop accepting requests, close sockets (which releases presence), stop the
// sweeper, then close the bus and the store.
func (a *App) Run(ctx context.Context) error {
	// Sessions left behind by a previous crash of any process are reclaimed
	// before new ones are opened.
	if n, err := a.tracker.Sweep(ctx); err != nil {
		a.log.Warn("initial presence sweep failed", zap.Error(err))
	} else if n > 0 {
		a.log.Info("reclaimed stale presence sessions", zap.Int("count", n))
	}

	scheduler, err := presence.StartScheduler(a.tracker, a.cfg.Presence.HeartbeatInterval, a.log.Named("scheduler"))
	if err != nil {
		return errors.Join(err, a.shutdown())
	}
	a.scheduler = scheduler

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	start := time.Now()
	a.log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errList []error
	if err := a.server.Shutdown(ctx); err != nil {
		errList = append(errList, fmt.Errorf("http server: %w", err))
	}
	if err := a.hub.Shutdown(ctx); err != nil {
		errList = append(errList, fmt.Errorf("gateway: %w", err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(); err != nil {
			errList = append(errList, fmt.Errorf("scheduler: %w", err))
		}
	}
	if err := a.bus.Close(); err != nil {
		errList = append(errList, fmt.Errorf("fanout: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errList = append(errList, fmt.Errorf("database: %w", err))
	}

	a.log.Info("shutdown complete", zap.Duration("duration", time.Since(start)))
	return errors.Join(errList...)
}
