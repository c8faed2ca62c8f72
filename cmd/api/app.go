package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/agent"
	"github.com/NTDesnoyers/memry-OS-sub003/api"
	"github.com/NTDesnoyers/memry-OS-sub003/auth"
	"github.com/NTDesnoyers/memry-OS-sub003/capture"
	"github.com/NTDesnoyers/memry-OS-sub003/config"
	"github.com/NTDesnoyers/memry-OS-sub003/db"
	"github.com/NTDesnoyers/memry-OS-sub003/dispatch"
	"github.com/NTDesnoyers/memry-OS-sub003/effect"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/signal"
	"github.com/NTDesnoyers/memry-OS-sub003/subscription"
	"github.com/NTDesnoyers/memry-OS-sub003/syncqueue"
)

const (
	tokenTTL        = 12 * time.Hour
	shutdownTimeout = 15 * time.Second
)

type eventStore interface {
	event.Store
	event.OutcomeLog
}

// stores groups one repository per component for the chosen driver.
type stores struct {
	events        eventStore
	subscriptions subscription.Repository
	proposals     action.Repository
	signals       signal.Repository
	syncItems     syncqueue.Repository
	outbox        effect.Outbox
	receipts      capture.Receipts
	syncLogs      capture.SyncLogs
	close         func()
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	if cfg.StorageDriver == "memory" {
		return &stores{
			events:        event.NewMemoryRepository(),
			subscriptions: subscription.NewMemoryRepository(),
			proposals:     action.NewMemoryRepository(),
			signals:       signal.NewMemoryRepository(),
			syncItems:     syncqueue.NewMemoryRepository(),
			outbox:        effect.NewMemoryOutbox(),
			receipts:      capture.NewMemoryReceipts(),
			syncLogs:      capture.NewMemorySyncLogs(),
			close:         func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &stores{
		events:        event.NewRepository(pool),
		subscriptions: subscription.NewPGRepository(pool),
		proposals:     action.NewPGRepository(pool),
		signals:       signal.NewPGRepository(pool),
		syncItems:     syncqueue.NewPGRepository(pool),
		outbox:        effect.NewPGOutbox(pool),
		receipts:      capture.NewPGReceipts(pool),
		syncLogs:      capture.NewPGSyncLogs(pool),
		close:         pool.Close,
	}, nil
}

// app is the fully wired process: one HTTP surface and four background loops.
type app struct {
	cfg      config.Config
	stores   *stores
	handler  *api.Handler
	bus      *dispatch.Bus
	runner   *dispatch.Runner
	executor *action.Executor
	dedup    *signal.Deduplicator
	worker   *syncqueue.Worker
	redis    *redis.Client
	log      *zap.Logger
}

func buildApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	subs, err := subscription.LoadSeedFile(cfg.SeedPath)
	if err != nil {
		return nil, err
	}
	integrationList, err := syncqueue.LoadIntegrationsFile(cfg.SeedPath)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, stores: st, log: log}

	registry := subscription.NewRegistry(st.subscriptions, agent.Names())
	if err := registry.Seed(ctx, subs); err != nil {
		a.close()
		return nil, fmt.Errorf("seed subscriptions: %w", err)
	}

	var locker signal.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = signal.NewRedisLocker(a.redis, cfg.SignalLockTTL)
	}
	a.dedup = signal.NewDeduplicator(st.signals, locker, cfg.SignalExpiry, log.Named("signal"))

	queue := syncqueue.NewQueue(st.syncItems, syncqueue.NewIntegrations(integrationList...), syncqueue.Policy{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
	}, log.Named("syncqueue"))

	gate := action.NewGate(st.proposals, nil, log.Named("action"))
	owner := instanceName()
	a.executor = action.NewExecutor(st.proposals, effect.Registry(st.outbox, queue), action.ExecutorConfig{
		Owner:        owner,
		ClaimTTL:     cfg.ExecutorClaimTTL,
		PollInterval: cfg.ExecutorPollInterval,
	}, log.Named("executor"))

	a.worker = syncqueue.NewWorker(queue, map[string]syncqueue.Adapter{
		"http": syncqueue.NewHTTPAdapter(nil),
	}, syncqueue.WorkerConfig{
		Owner:           owner,
		PollInterval:    cfg.Sync.PollInterval,
		LeaseTTL:        cfg.Sync.LeaseTTL,
		BatchSize:       cfg.Sync.BatchSize,
		DeliveryTimeout: cfg.Sync.DeliveryTimeout,
	}, log.Named("sync-worker"))

	gen := agent.NewTemplateGenerator()
	dispatcher := dispatch.NewDispatcher(registry, st.events, log.Named("dispatch"))
	dispatcher.Register(agent.DealCoach, agent.NewDealCoach(gate, gen, log.Named(agent.DealCoach)))
	dispatcher.Register(agent.EmailDrafter, agent.NewEmailDrafter(gate, gen, nil, log.Named(agent.EmailDrafter)))
	dispatcher.Register(agent.CRMSync, agent.NewCRMSync(gate, queue.Integrations(), log.Named(agent.CRMSync)))
	dispatcher.Register(agent.SignalDetector, agent.NewSignalDetector(a.dedup, gate, log.Named(agent.SignalDetector)))

	a.runner = dispatch.NewRunner(dispatcher, cfg.DispatchLanes, cfg.DispatchLaneBuffer, log.Named("runner"))
	a.bus = dispatch.NewBus(st.events, dispatcher, a.runner, log.Named("bus"))

	captures := capture.NewService(a.bus, st.receipts, st.syncLogs, auth.NewSourceKeys(cfg.CaptureKeys), log.Named("capture"))
	deps := api.Deps{
		Bus:           a.bus,
		Events:        st.events,
		Gate:          gate,
		Queue:         queue,
		Signals:       a.dedup,
		Subscriptions: registry,
		Capture:       captures,
	}
	if cfg.JWTSecret != "" {
		deps.Auth = auth.NewService(cfg.JWTSecret, tokenTTL)
	} else {
		log.Warn("JWT_SECRET is empty; API routes are unauthenticated")
	}
	a.handler = api.NewHandler(deps, log.Named("api"))
	return a, nil
}

// run serves HTTP and the background loops until ctx is cancelled or one of
// them fails. Events left undispatched by a previous process are resubmitted
// once the runner is up and before the server accepts new ones.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.runner.Run(ctx) })
	g.Go(func() error { return a.executor.Run(ctx) })
	g.Go(func() error { return a.worker.Run(ctx) })
	g.Go(func() error { return a.dedup.RunSweeper(ctx, a.cfg.SignalSweepInterval) })

	// Recovered events must reach their lanes before any new event does.
	if _, err := a.bus.Recover(ctx, time.Now().Add(-a.cfg.DispatchRecoverySpan)); err != nil {
		a.log.Error("recover undispatched events", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.stores.close()
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "memry"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
