// Package main is the entry point for the Risk Service
// Risk Service evaluates login attempts for geographic anomalies, anonymizing
// networks and brute-force patterns before a session is issued
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openidx/loginguard/internal/common/config"
	"github.com/openidx/loginguard/internal/common/database"
	"github.com/openidx/loginguard/internal/common/logger"
	"github.com/openidx/loginguard/internal/common/resilience"
	"github.com/openidx/loginguard/internal/common/tracing"
	"github.com/openidx/loginguard/internal/health"
	"github.com/openidx/loginguard/internal/metrics"
	"github.com/openidx/loginguard/internal/middleware"
	"github.com/openidx/loginguard/internal/risk"
	"github.com/openidx/loginguard/internal/server"
)

const serviceName = "risk-service"

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	log := logger.New()
	// log is replaced once config is loaded
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	log = logger.WithService(logger.NewWithLevel(cfg.Environment, cfg.LogLevel), serviceName)

	log.Info("Starting Risk Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)
	cfg.LogSecurityWarnings(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("Risk Service stopped", zap.Error(err))
	}
	log.Info("Server exited")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := tracing.Init(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	pools := database.PoolOptions{MaxConns: cfg.DBMaxConns, RedisPool: cfg.RedisPool}
	redis, err := database.NewRedis(ctx, cfg.RedisURL, pools)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	cache := risk.NewRedisCache(redis, cfg.CachePrefix)

	var (
		store risk.ActivityStore
		db    *database.PostgresDB
	)
	switch cfg.Storage {
	case config.StorageMemory:
		log.Warn("Using in-memory login activity store; history is lost on restart")
		store = risk.NewMemoryActivityStore()
	default:
		db, err = database.NewPostgres(ctx, cfg.DatabaseURL, pools)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		pg := risk.NewPostgresActivityStore(db, log)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
	}

	policy := risk.DefaultPolicy()
	if cfg.PolicyFile != "" {
		policy, err = risk.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		log.Info("Loaded risk policy", zap.String("file", cfg.PolicyFile),
			zap.Int("restricted_regions", len(policy.RestrictedRegions)))
	}

	breakers := health.NewBreakerChecker()
	httpClient := func(name string, timeout time.Duration) resilience.HTTPDoer {
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         name,
			Threshold:    cfg.Reputation.BreakerFailures,
			ResetTimeout: cfg.Reputation.BreakerTimeout,
			Logger:       log,
		})
		breakers.Track(cb)
		return resilience.NewBreakerClient(&http.Client{Timeout: timeout}, cb)
	}

	resolver := risk.NewResolver(
		risk.NewIPAPISource(cfg.GeoIP.BaseURL, cfg.GeoIP.APIKey, httpClient("geoip", cfg.GeoIP.Timeout)),
		cache, cfg.GeoIP.CacheTTL, log)

	var prober *risk.OpenProxyProber
	if cfg.OpenProxyProbe.Enabled {
		prober = risk.NewOpenProxyProber(nil, cfg.OpenProxyProbe.Ports, cfg.OpenProxyProbe.Timeout, log)
		log.Info("Open proxy probing enabled", zap.Ints("ports", cfg.OpenProxyProbe.Ports))
	}

	checker, err := risk.NewReputationChecker(risk.CheckerConfig{
		Providers: []risk.ReputationProvider{
			risk.NewIPQualityScoreClient(cfg.Reputation.IPQualityScoreKey, cfg.Reputation.IPQualityScoreURL,
				policy.FraudScoreThreshold, httpClient(risk.SignalIPQualityScore, cfg.Reputation.HTTPTimeout)),
			risk.NewProxyCheckClient(cfg.Reputation.ProxyCheckKey, cfg.Reputation.ProxyCheckURL,
				policy.ProxyRiskThreshold, httpClient(risk.SignalProxyCheck, cfg.Reputation.HTTPTimeout)),
		},
		TorList: risk.NewTorExitList(cfg.Reputation.TorExitListURL,
			httpClient("tor_exit_list", cfg.Reputation.HTTPTimeout), cfg.Reputation.TorListRefresh, log),
		Resolver:      resolver,
		Hosts:         net.DefaultResolver,
		Prober:        prober,
		Cache:         cache,
		Policy:        policy,
		FailMode:      risk.FailMode(cfg.Reputation.FailMode),
		Deadline:      cfg.Reputation.Deadline,
		VPNCacheTTL:   cfg.Reputation.VPNCacheTTL,
		TorCacheTTL:   cfg.Reputation.TorCacheTTL,
		ProxyCacheTTL: cfg.Reputation.ProxyCacheTTL,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	if cfg.Reputation.IPQualityScoreKey == "" && cfg.Reputation.ProxyCheckKey == "" {
		log.Warn("No reputation provider API keys configured; relying on local heuristics")
	}

	evaluator := risk.NewEvaluator(store, resolver, checker, policy, cfg.EvaluationTimeout, log)
	gate := risk.NewGate(store, resolver, evaluator, policy, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(log))
	router.Use(otelgin.Middleware(serviceName))
	router.Use(logger.GinMiddleware(log))
	router.Use(metrics.Middleware(serviceName))
	if cfg.RateLimit.Enabled {
		rl := middleware.DefaultRateLimitConfig()
		rl.Requests = cfg.RateLimit.Requests
		rl.Window = cfg.RateLimit.Window
		rl.KeyPrefix = cfg.CachePrefix
		router.Use(middleware.SlidingWindowRateLimit(redis.Client, rl, log))
	}

	var guards risk.RouteGuards
	if cfg.Auth.Enabled {
		keys := middleware.NewJWKSKeys(cfg.Auth.JWKSURL, httpClient("jwks", 10*time.Second), time.Hour)
		guards = risk.RouteGuards{
			Authenticate: middleware.Auth(keys, cfg.Auth.Issuer),
			Client:       middleware.RequireRoles(cfg.Auth.ClientRole, cfg.Auth.AdminRole),
			Admin:        middleware.RequireRoles(cfg.Auth.AdminRole),
		}
	} else {
		log.Warn("Risk API authentication disabled")
	}
	risk.NewHandler(gate, store, resolver, checker, policy, log).RegisterRoutes(router, guards)

	hs := health.NewService(serviceName, Version, log)
	hs.Register(
		health.NewPingChecker("redis", redis, true, 200*time.Millisecond),
		breakers,
	)
	if db != nil {
		hs.Register(health.NewPingChecker("database", db, true, 500*time.Millisecond))
	}
	hs.RegisterRoutes(router)
	router.GET("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := server.New(server.Config{Server: srv, Logger: log, ShutdownTimeout: 30 * time.Second})
	if db != nil {
		shutdown.Register(server.Closer("postgres", db))
	}
	shutdown.Register(server.Closer("redis", redis))
	shutdown.RegisterFunc("tracing", shutdownTracing)

	return shutdown.Run(ctx)
}
