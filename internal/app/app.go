// Package app initializes and holds long-lived frontier services, acting as a
// dependency injection container for the binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/api"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/buffer"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/config"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/dispatcher"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/partition"
	pubsubpublisher "github.com/JakeFAU/realtime-cpi-frontier/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/realtime-cpi-frontier/internal/queue/memory"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/refill"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/scheduler"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/seed"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/status"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/storage/gcs"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/storage/local"
	memoryStore "github.com/JakeFAU/realtime-cpi-frontier/internal/storage/memory"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/storage/postgres"
)

const readHeaderTimeout = 5 * time.Second

// App holds the shared services of one frontier instance.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      frontier.Clock
	store      frontier.StatusStore
	buffer     *buffer.RoundRobin
	queue      *queueMemory.Queue
	controller *refill.Controller
	dispatcher *dispatcher.Dispatcher
	reporter   *status.Reporter
	server     *api.Server
	closers    []func()
}

// New builds every component described by cfg. External clients (Postgres,
// Pub/Sub) are connected here so misconfiguration fails fast.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, clock: system.New()}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	partitioner, err := partition.New(cfg.PartitionOptions())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("partitioner: %w", err)
	}
	refillCfg, err := cfg.RefillOptions()
	if err != nil {
		a.Close()
		return nil, err
	}

	publisher, err := a.openPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.buffer = buffer.NewRoundRobin(partitioner, logger.Named("buffer"),
		buffer.WithInFlight(cfg.Refill.InFlightTTL, a.clock))
	a.queue = queueMemory.NewQueue(cfg.Refill.QueueDepth)
	a.controller = refill.New(refillCfg, store, a.buffer, a.queue, a.clock, uuid.New(), logger.Named("refill"))
	a.buffer.SetEmptyQueueListener(a.controller)
	a.dispatcher = dispatcher.NewPool(cfg.Refill.Workers, a.queue, a.controller, a.clock, logger)

	sched := scheduler.New(cfg.SchedulerOptions(logger), a.clock)
	a.reporter = status.New(sched, partitioner, store, publisher, a.clock, logger.Named("status"))
	a.reporter.SetReleaser(a.buffer)
	a.server = api.NewServer(a.buffer, a.reporter, a.controller, a.dispatcher, a.clock, cfg, logger.Named("api"))

	logger.Info("frontier services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("partition_mode", cfg.Partition.Mode),
		zap.Int("workers", a.dispatcher.Size()),
		zap.Bool("pubsub", publisher != nil),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (frontier.StatusStore, error) {
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewStatusStore(ctx, postgres.StatusStoreConfig{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres status store: %w", err)
		}
		if a.cfg.Store.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return nil, fmt.Errorf("postgres schema: %w", err)
			}
		}
		a.logger.Info("using postgres status store", zap.String("table", a.cfg.DB.Table))
		return store, nil
	case config.BackendMemory, "":
		a.logger.Info("using in-memory status store; state is lost on restart")
		return memoryStore.NewStatusStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
}

// openPublisher returns nil when Pub/Sub is not configured.
func (a *App) openPublisher(ctx context.Context) (frontier.Publisher, error) {
	if !a.cfg.PubSubEnabled() {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.closers = append(a.closers, pub.Close, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	})
	a.logger.Info("publishing status events", zap.String("topic", a.cfg.PubSub.TopicName))
	return pub, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Controller exposes the refill controller.
func (a *App) Controller() *refill.Controller {
	return a.controller
}

// LoadSeeds injects the configured seed list, if any, as DISCOVERED rows.
func (a *App) LoadSeeds(ctx context.Context) (seed.Stats, error) {
	if a.cfg.Seeds.Path == "" {
		return seed.Stats{}, nil
	}
	loc, err := seed.ParseLocation(a.cfg.Seeds.Path)
	if err != nil {
		return seed.Stats{}, err
	}

	var opener seed.Opener
	if loc.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return seed.Stats{}, fmt.Errorf("storage client: %w", err)
		}
		defer func() {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("close storage client", zap.Error(cerr))
			}
		}()
		opener, err = gcs.New(client, gcs.Config{Bucket: loc.Bucket})
		if err != nil {
			return seed.Stats{}, err
		}
	} else {
		opener, err = local.New(local.Config{BaseDir: loc.Dir})
		if err != nil {
			return seed.Stats{}, err
		}
	}

	loader := seed.NewLoader(a.reporter, a.logger.Named("seed"))
	stats, err := loader.Load(ctx, opener, loc.Name)
	if err != nil {
		return stats, fmt.Errorf("load seeds from %s: %w", a.cfg.Seeds.Path, err)
	}
	return stats, nil
}

// Run serves HTTP and drives the refill controller and workers until ctx
// ends, then drains the server within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.LoadSeeds(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatcher.Size()))
		a.dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.controller.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.queue.Close()
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("frontier run: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases external clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
