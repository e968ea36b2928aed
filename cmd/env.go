package main

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/benchmark"
	"github.com/sells-group/lead-enrich/internal/db"
	"github.com/sells-group/lead-enrich/internal/evidence"
	"github.com/sells-group/lead-enrich/internal/pipeline"
	"github.com/sells-group/lead-enrich/internal/queue"
	"github.com/sells-group/lead-enrich/internal/resilience"
	"github.com/sells-group/lead-enrich/internal/scorer"
	"github.com/sells-group/lead-enrich/internal/store"
	"github.com/sells-group/lead-enrich/internal/usage"
	"github.com/sells-group/lead-enrich/internal/ux"
	"github.com/sells-group/lead-enrich/internal/verdict"
	"github.com/sells-group/lead-enrich/internal/website"
	anthropicpkg "github.com/sells-group/lead-enrich/pkg/anthropic"
	"github.com/sells-group/lead-enrich/pkg/browser"
	"github.com/sells-group/lead-enrich/pkg/pagespeed"
	"github.com/sells-group/lead-enrich/pkg/places"
)

// envOptions selects the optional parts of the environment a command needs.
type envOptions struct {
	// Browser starts a headless Chrome allocator for captures and UX audits.
	Browser bool
	// Queue opens the configured job queue.
	Queue bool
}

// appEnv holds every initialized collaborator used by the commands.
type appEnv struct {
	Store        store.Store
	Queue        queue.Queue
	Gate         *usage.Gate
	Checker      *website.Checker
	Evidence     *evidence.Store
	UxAuditor    *ux.Auditor
	Benchmark    *benchmark.Engine
	Scorer       *scorer.Service
	Handlers     *pipeline.Handlers
	Orchestrator *pipeline.Orchestrator

	chrome *browser.Chrome
}

// Close releases the browser, queue and store.
func (e *appEnv) Close() {
	if e.chrome != nil {
		e.chrome.Close()
	}
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initQueue opens the configured queue. The postgres queue shares the
// store's pool.
func initQueue(ctx context.Context, st store.Store) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "postgres":
		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("queue driver postgres requires the postgres store")
		}
		return queue.NewPostgres(pg.Pool(), cfg.Queue.MaxAttempts), nil
	case "redis":
		return queue.NewRedisFromURL(ctx, cfg.Queue.RedisURL, cfg.Queue.MaxAttempts)
	case "memory":
		return queue.NewMemory(cfg.Queue.MaxAttempts), nil
	default:
		return nil, eris.Errorf("unsupported queue driver: %s", cfg.Queue.Driver)
	}
}

// initEnv builds the store, clients, engines and the orchestrator. Callers
// should defer env.Close().
func initEnv(ctx context.Context, opts envOptions) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	if opts.Queue {
		q, err := initQueue(ctx, st)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Queue = q
	}

	env.Gate = usage.NewGate(st, cfg.Usage.Limits)

	httpTimeout := time.Duration(cfg.HTTP.TimeoutSecs) * time.Second
	siteClient := resilience.NewRetryingClient(cfg.HTTP.RateLimitRPS, cfg.HTTP.MaxAttempts, httpTimeout)
	checkerOpts := []website.Option{website.WithUserAgent(cfg.HTTP.UserAgent)}
	if cfg.HTTP.CurlPath != "" {
		checkerOpts = append(checkerOpts, website.WithFallback(
			website.NewCurlTransport(cfg.HTTP.CurlPath, httpTimeout, cfg.HTTP.UserAgent),
		))
	}
	env.Checker = website.NewChecker(siteClient, st, checkerOpts...)

	placesClient := places.NewClient(cfg.Places.Key,
		places.WithBaseURL(cfg.Places.BaseURL),
		places.WithRegion(cfg.Places.RegionCode, cfg.Places.LanguageCode),
		places.WithDoer(resilience.NewRetryingClient(cfg.Places.RateLimitRPS, cfg.HTTP.MaxAttempts, httpTimeout)),
	)

	psiTimeout := time.Duration(cfg.PSI.TimeoutSecs) * time.Second
	psiClient := pagespeed.NewClient(cfg.PSI.Key,
		pagespeed.WithBaseURL(cfg.PSI.BaseURL),
		pagespeed.WithDoer(resilience.NewRetryingClient(cfg.PSI.RateLimit, cfg.HTTP.MaxAttempts, psiTimeout)),
	)

	env.Evidence = evidence.NewStore(cfg.Browser.EvidenceDir)
	env.Benchmark = benchmark.NewEngine(st)
	env.Scorer = scorer.NewService(st)

	deps := pipeline.Deps{
		Store:     st,
		Gate:      env.Gate,
		Places:    placesClient,
		Checker:   env.Checker,
		PageSpeed: psiClient,
		Evidence:  env.Evidence,
		Benchmark: env.Benchmark,
		Scorer:    env.Scorer,
	}

	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key,
			option.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
		)
		deps.Verdicts = verdict.NewGenerator(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	} else {
		zap.L().Warn("anthropic key not set, verdicts will be skipped")
	}

	if opts.Browser {
		env.chrome = browser.New(browser.Options{
			ExecPath:   cfg.Browser.ExecPath,
			FastMode:   cfg.Browser.FastMode,
			NavTimeout: time.Duration(cfg.Browser.NavTimeoutSecs) * time.Second,
		})
		env.UxAuditor = ux.NewAuditor(ux.Chrome(env.chrome), env.Evidence, st)
		deps.Capturer = env.chrome
		deps.UxAuditor = env.UxAuditor
	}

	env.Handlers = pipeline.NewHandlers(deps, pipeline.Settings{
		PSICacheDays: cfg.PSI.CacheDays,
		RadiusKM:     cfg.Benchmark.RadiusKM,
		MaxPages:     cfg.Places.MaxPages,
	})
	if env.Queue != nil {
		env.Orchestrator = pipeline.NewOrchestrator(env.Queue, env.Handlers.Funcs())
	}
	return env, nil
}
