// Package regent is the public API for embedding the Regent governance core.
//
// Embedders import this package to construct and run the control plane
// around their own planner, capability invoker, and workflows:
//
//	app, err := regent.New(
//	    regent.WithVersion(version),
//	    regent.WithLogger(logger),
//	    regent.WithPlanner(myPlanner{}),
//	    regent.WithInvoker(myInvoker{}),
//	    regent.WithWorkflow(deployWorkflow),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: regent (root) imports
// internal/*, but internal/* never imports regent (root). Public types
// (Workflow, WorkItem, TicketNotice) are standalone structs with no internal
// imports; the adapters bridging them to internal types live here because
// this is the only file that sees both sides of the boundary.
package regent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/regentlabs/regent/internal/autonomy"
	"github.com/regentlabs/regent/internal/backoff"
	"github.com/regentlabs/regent/internal/breaker"
	"github.com/regentlabs/regent/internal/config"
	"github.com/regentlabs/regent/internal/gate"
	"github.com/regentlabs/regent/internal/model"
	"github.com/regentlabs/regent/internal/ops"
	"github.com/regentlabs/regent/internal/ratelimit"
	"github.com/regentlabs/regent/internal/scheduler"
	"github.com/regentlabs/regent/internal/server"
	"github.com/regentlabs/regent/internal/storage"
	"github.com/regentlabs/regent/internal/telemetry"
	"github.com/regentlabs/regent/internal/tower"
	"github.com/regentlabs/regent/migrations"
)

// ErrCreditExhausted signals from a Planner that the agent's usage credit is
// spent. The autonomy loop pauses with reason credit_exhausted instead of
// counting a tick failure. Wrap it: fmt.Errorf("...: %w", regent.ErrCreditExhausted).
var ErrCreditExhausted = model.ErrCreditExhausted

// Transient marks err as retryable for invokers and job handlers. Retries
// consume the step or execution budget.
func Transient(err error) error { return model.Transient(err) }

// Fatal marks err as non-retryable: the step fails its run, a job execution
// dead-letters immediately.
func Fatal(err error) error { return model.Fatal(err) }

// App is the Regent control-plane lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	rdb          *redis.Client // nil when Redis is unreachable or unconfigured
	srv          *server.Server
	sched        *scheduler.Scheduler
	engine       *tower.Engine
	loop         *autonomy.Loop
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the control plane. It connects to the database, runs
// migrations, wires every subsystem, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("regent starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Redis backs the autonomy work queue. Unreachable Redis degrades to
	// direct planner polling rather than failing startup.
	var rdb *redis.Client
	var queue autonomy.WorkQueue
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("redis: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, autonomy queue disabled", "error", err)
			_ = rdb.Close()
			rdb = nil
		} else {
			queue = autonomy.NewQueue(rdb, "")
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MinSamples:       cfg.BreakerMinSamples,
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
	})

	policy := backoff.Default
	policy.MaxAttempts = cfg.DefaultMaxAttempts

	g := gate.New(db, logger, gate.DefaultThresholds)

	registry := tower.NewRegistry()
	for _, wf := range o.workflows {
		if err := registry.Register(toInternalWorkflow(wf)); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("workflow: %w", err)
		}
	}

	var invoker tower.Invoker = o.invoker
	if o.invoker == nil {
		invoker = unconfiguredInvoker{}
	}
	var notifier tower.Notifier
	if o.notifier != nil {
		notifier = &notifierAdapter{inner: o.notifier}
	}

	engine := tower.New(db, registry, g, breakers, invoker, notifier, policy, tower.Config{
		RunTimeout:         cfg.RunTimeout,
		TicketTTL:          cfg.TicketTTL,
		DefaultRetryBudget: cfg.DefaultRetryBudget,
		MaxConcurrentRuns:  cfg.MaxConcurrentRuns,
	}, logger)

	sched := scheduler.New(db, breakers, policy, logger)

	var planner autonomy.Planner = idlePlanner{}
	if o.planner != nil {
		planner = &plannerAdapter{inner: o.planner}
	}
	loop := autonomy.New(planner, engine, g, queue, db, cfg.ErrorThreshold, logger)

	// Built-in operational handlers first, then embedder handlers. Default
	// jobs whose handler is still unregistered are skipped by LoadDefaults.
	ops.New(db, loop, breakers, ops.DefaultConfig(), logger).Register(sched)
	for name, h := range o.jobHandlers {
		handler := h
		sched.RegisterHandler(name, func(ctx context.Context, job model.JobDefinition) error {
			return handler(ctx, job.ID)
		})
	}
	if err := sched.LoadDefaults(context.Background()); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("scheduler defaults: %w", err)
	}
	if err := sched.Restore(context.Background()); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("scheduler restore: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	srv := server.New(cfg.Port, server.Deps{
		Scheduler:   sched,
		Engine:      engine,
		Gate:        g,
		Loop:        loop,
		Breakers:    breakers,
		DB:          db,
		Version:     version,
		RateLimiter: limiter,
	}, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		rdb:          rdb,
		srv:          srv,
		sched:        sched,
		engine:       engine,
		loop:         loop,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks until ctx
// is cancelled or the server fails. Either way it performs a graceful
// shutdown before returning.
func (a *App) Run(ctx context.Context) error {
	a.engine.Start(ctx, a.cfg.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sched.Start(gctx, a.cfg.SchedulerTickInterval)
		return nil
	})
	g.Go(func() error {
		a.loop.Start(gctx, a.cfg.AutonomyTickInterval)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Unblocks srv.Start when ctx is cancelled or a sibling fails.
		<-gctx.Done()
		httpCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.srv.Shutdown(httpCtx)
	})

	runErr := g.Wait()
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains in-flight HTTP requests, waits for running executions and
// step loops to settle, then closes Redis, OTEL, and the database pool.
// Runs suspended on tickets survive shutdown: they resume from their
// persisted cursor when a decision lands after restart.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("regent shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.sched.Wait()
	a.engine.Wait()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("regent stopped")
	return nil
}

// ── Public/internal boundary adapters ──────────────────────────────────────

func toInternalWorkflow(wf Workflow) tower.Workflow {
	steps := make([]tower.StepDef, len(wf.Steps))
	for i, s := range wf.Steps {
		steps[i] = tower.StepDef{
			Name:          s.Name,
			Capability:    s.Capability,
			RiskTier:      model.RiskTier(s.Risk),
			RetryBudget:   s.RetryBudget,
			NeedsApproval: s.NeedsApproval,
			GateSubject:   s.GateSubject,
		}
	}
	return tower.Workflow{Name: wf.Name, Steps: steps}
}

// unconfiguredInvoker fails every capability fatally. Installed when the
// embedder supplies no invoker so runs fail loudly instead of hanging.
type unconfiguredInvoker struct{}

func (unconfiguredInvoker) Invoke(_ context.Context, capability string, _ map[string]any) (map[string]any, error) {
	return nil, model.Fatal(fmt.Errorf("no capability invoker configured (capability %q)", capability))
}

// idlePlanner reports no work. Installed when the embedder supplies no
// planner so the loop still ticks, audits, and answers status queries.
type idlePlanner struct{}

func (idlePlanner) NextWork(context.Context) (*autonomy.WorkItem, error) { return nil, nil }

type plannerAdapter struct {
	inner Planner
}

func (p *plannerAdapter) NextWork(ctx context.Context) (*autonomy.WorkItem, error) {
	item, err := p.inner.NextWork(ctx)
	if err != nil || item == nil {
		return nil, err
	}
	return &autonomy.WorkItem{
		Workflow:    item.Workflow,
		Subject:     item.Subject,
		SubjectType: item.SubjectType,
		Input:       item.Input,
	}, nil
}

type notifierAdapter struct {
	inner TicketNotifier
}

func (n *notifierAdapter) RaiseTicket(ctx context.Context, t model.Ticket) error {
	return n.inner.Notify(ctx, TicketNotice{
		ID:       t.ID,
		RunID:    t.RunID,
		StepName: t.StepName,
		Risk:     RiskTier(t.RiskTier),
		Question: t.Question,
		RaisedAt: t.RaisedAt,
	})
}
