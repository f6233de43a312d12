// ABOUTME: Service orchestrator wiring store, flows, locks, notifier, queue, engine and HTTP
// ABOUTME: Owns the lifecycle of the HTTP server, the lock sweeper and every backing connection

package concierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-concierge/internal/api"
	"github.com/2389/coven-concierge/internal/config"
	"github.com/2389/coven-concierge/internal/dedupe"
	"github.com/2389/coven-concierge/internal/engine"
	"github.com/2389/coven-concierge/internal/escalation"
	"github.com/2389/coven-concierge/internal/flow"
	"github.com/2389/coven-concierge/internal/lock"
	"github.com/2389/coven-concierge/internal/metrics"
	"github.com/2389/coven-concierge/internal/notify"
	"github.com/2389/coven-concierge/internal/queue"
	"github.com/2389/coven-concierge/internal/retry"
	"github.com/2389/coven-concierge/internal/store"
	"github.com/2389/coven-concierge/internal/tracing"
)

// Service is one running coven-concierge instance.
type Service struct {
	config      *config.Config
	store       *store.SQLiteStore
	flows       *flow.Registry
	engine      *engine.Engine
	queue       *queue.Queue
	sweeper     *queue.Sweeper
	broadcaster *notify.Broadcaster
	metrics     *metrics.Collector
	dedupe      *dedupe.Cache
	httpServer  *http.Server
	logger      *slog.Logger

	// optional backends
	redis           *redis.Client
	nats            *nats.Conn
	tracingShutdown tracing.Shutdown
}

// New builds a Service from configuration. Everything opened here is
// closed again if a later step fails.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{config: cfg, logger: logger.With("component", "concierge")}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.tracingShutdown, err = tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	s.store, err = initStore(cfg)
	if err != nil {
		return nil, err
	}

	env, err := flow.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("creating expression environment: %w", err)
	}
	s.flows, err = initFlows(env, cfg)
	if err != nil {
		return nil, err
	}

	locker, err := s.initLocker(ctx)
	if err != nil {
		return nil, err
	}

	notifier, err := s.initNotifier()
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(metrics.Config{
			Enabled:   true,
			Namespace: cfg.Metrics.Namespace,
			Path:      cfg.Metrics.Path,
		})
	}

	s.dedupe = dedupe.New(cfg.Engine.DedupeTTL, cfg.Engine.DedupeMaxSize)

	s.queue = queue.New(s.store, notifier, s.metrics, logger)
	s.engine = engine.New(engine.Deps{
		Store:    s.store,
		Flows:    s.flows,
		Queue:    s.queue,
		Locker:   locker,
		Notifier: notifier,
		Metrics:  s.metrics,
		Dedupe:   s.dedupe,
		Retry: retry.Config{
			MaxAttempts:    cfg.Engine.CommitMaxAttempts,
			InitialBackoff: cfg.Engine.CommitBackoff,
			MaxBackoff:     cfg.Engine.CommitMaxBackoff,
		},
		Logger: logger,
	})
	s.queue.OnResolve(s.engine.OnQueueResolved)
	s.queue.OnCancel(s.engine.OnQueueCancelled)

	limits := make(map[string]api.RateLimit, len(cfg.Workspaces))
	for _, w := range cfg.Workspaces {
		s.queue.SetPolicy(w.ID, queue.Policy{
			LeaseDuration:       w.LeaseDuration,
			MaxLocksPerOperator: w.MaxLocksPerOperator,
		})
		p, err := escalationPolicy(env, w)
		if err != nil {
			return nil, err
		}
		s.engine.SetPolicy(w.ID, p)
		limits[w.ID] = api.RateLimit{RequestsPerSecond: w.RateLimit.RequestsPerSecond, Burst: w.RateLimit.Burst}
	}

	s.sweeper = queue.NewSweeper(s.queue, cfg.Queue.SweepInterval, logger)

	srv := api.New(api.Deps{
		Engine:     s.engine,
		Queue:      s.queue,
		Reader:     s.store,
		Events:     s.broadcaster,
		Metrics:    s.metrics,
		Workspaces: s.flows.Workspaces(),
		RateLimits: limits,
		Logger:     logger,
	})
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// initStore opens the SQLite store. COVEN_DB_PATH overrides the configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// initFlows loads every workspace's flow and checks that each file
// declares the workspace it is configured for.
func initFlows(env *flow.Env, cfg *config.Config) (*flow.Registry, error) {
	reg := flow.NewRegistry()
	for _, w := range cfg.Workspaces {
		t, err := flow.Load(env, w.Flow)
		if err != nil {
			return nil, fmt.Errorf("loading flow for workspace %s: %w", w.ID, err)
		}
		if t.Workspace != w.ID {
			return nil, fmt.Errorf("flow %s declares workspace %q, configured as %q", w.Flow, t.Workspace, w.ID)
		}
		reg.Register(t)
	}
	return reg, nil
}

func (s *Service) initLocker(ctx context.Context) (lock.Locker, error) {
	rc := s.config.Redis
	if !rc.Enabled {
		return lock.NewInMemoryLock(), nil
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", rc.Addr, err)
	}
	s.logger.Info("using redis customer locks", "addr", rc.Addr, "ttl", rc.LockTTL)
	return lock.NewRedisLock(s.redis, lock.RedisLockConfig{Prefix: rc.KeyPrefix, TTL: rc.LockTTL}, s.logger), nil
}

func (s *Service) initNotifier() (notify.Notifier, error) {
	s.broadcaster = notify.NewBroadcaster(s.logger)
	notifiers := notify.Multi{s.broadcaster}

	nc := s.config.NATS
	if nc.Enabled {
		conn, err := notify.ConnectNATS(nc.URL, nc.ClientName, s.logger)
		if err != nil {
			return nil, err
		}
		s.nats = conn
		notifiers = append(notifiers, notify.NewNATSPublisher(conn, nc.SubjectPrefix, s.logger))
	}
	return notifiers, nil
}

// escalationPolicy builds a workspace's policy, compiling its completeness
// expression when one is configured.
func escalationPolicy(env *flow.Env, w config.WorkspaceConfig) (escalation.Policy, error) {
	p := escalation.Policy{
		Threshold:         w.Escalation.Threshold,
		MinTurns:          w.Escalation.MinTurns,
		InactivityTimeout: w.Escalation.InactivityTimeout,
	}
	if w.Escalation.Completeness != "" {
		scorer, err := escalation.NewCELScorer(env, w.Escalation.Completeness)
		if err != nil {
			return p, fmt.Errorf("workspace %s: compiling completeness expression: %w", w.ID, err)
		}
		p.Scorer = scorer
	}
	return p, nil
}

// Handler returns the HTTP handler; exposed for tests and embedding.
func (s *Service) Handler() http.Handler { return s.httpServer.Handler }

// Engine returns the conversation engine.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Queue returns the human handoff queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Store returns the backing store.
func (s *Service) Store() store.Store { return s.store }

// Sweep reclaims expired operator locks in every workspace once.
func (s *Service) Sweep(ctx context.Context) int {
	return s.sweeper.RunOnce(ctx)
}

// Run listens on the configured address and serves until ctx is cancelled.
// Returns nil on graceful shutdown.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the lock sweeper. On
// return every backend has been closed.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		return s.gracefulShutdown()
	})

	serverErr := g.Wait()
	closeErr := s.Close()
	if serverErr != nil {
		return serverErr
	}
	return closeErr
}

// gracefulShutdown uses a fresh context since the serving one is already done.
// Event streams are closed first so their handlers return.
func (s *Service) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	s.broadcaster.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Close releases every backend. It is safe on a partially built Service
// and safe to call more than once.
func (s *Service) Close() error {
	var errs []error

	if s.dedupe != nil {
		s.dedupe.Close()
	}
	if s.broadcaster != nil {
		s.broadcaster.Close()
	}
	if s.nats != nil {
		errs = appendCloseError(errs, "nats drain", s.nats.Drain())
		s.nats = nil
	}
	if s.redis != nil {
		errs = appendCloseError(errs, "redis close", s.redis.Close())
		s.redis = nil
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = appendCloseError(errs, "tracing shutdown", s.tracingShutdown(ctx))
		cancel()
		s.tracingShutdown = nil
	}
	if s.store != nil {
		errs = appendCloseError(errs, "store close", s.store.Close())
		s.store = nil
	}

	return errors.Join(errs...)
}
