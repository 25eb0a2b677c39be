// Package app wires ghostline's components into a running server: it
// reads configuration, constructs the ephemeral store, audit log, key
// manager, anomaly scorer (or consensus ensemble), policy engine, and
// request pipeline, starts their background daemons, mounts the HTTP
// surface, and runs until a shutdown signal drains everything cleanly.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ghostline/ghostline/internal/adminauth"
	"github.com/ghostline/ghostline/internal/audit"
	"github.com/ghostline/ghostline/internal/config"
	"github.com/ghostline/ghostline/internal/consensus"
	"github.com/ghostline/ghostline/internal/httpserver"
	"github.com/ghostline/ghostline/internal/keymanager"
	"github.com/ghostline/ghostline/internal/leakdetector"
	"github.com/ghostline/ghostline/internal/pipeline"
	"github.com/ghostline/ghostline/internal/platform"
	"github.com/ghostline/ghostline/internal/policy"
	"github.com/ghostline/ghostline/internal/sanitizer"
	"github.com/ghostline/ghostline/internal/scorer"
	"github.com/ghostline/ghostline/internal/store"
	"github.com/ghostline/ghostline/internal/telemetry"
)

const adminRateLimitWindow = 5 * time.Minute
const adminRateLimitMaxAttempts = 10

// Run is the main application entry point: it reads config, wires every
// component, starts background daemons, and serves HTTP until ctx is
// cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting ghostline",
		"host", cfg.Host,
		"port", cfg.Port,
		"scorer_mode", cfg.ScorerMode,
		"pqc_enabled", cfg.PQCEnabled,
	)

	auditLog, err := audit.Open(cfg.AuditLogPath, cfg.AuditLogMaxSize, cfg.AuditLogRotationCount, cfg.TamperDetection, logger)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLog.Close()

	var pgPool *pgxpool.Pool
	var mirror *audit.Mirror
	if cfg.AuditMirrorDSN != "" {
		pgPool, err = pgxpool.New(ctx, cfg.AuditMirrorDSN)
		if err != nil {
			return fmt.Errorf("connecting audit mirror database: %w", err)
		}
		defer pgPool.Close()

		mirror = audit.NewMirror(pgPool, logger)
		mirror.Start(ctx)
		defer mirror.Close()
		auditLog.AttachMirror(mirror)
		logger.Info("audit mirror enabled")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("admin rate limiter backed by redis")
	} else {
		logger.Info("admin rate limiting disabled (REDIS_URL not set)")
	}

	metricsReg := telemetry.NewMetricsRegistry()

	entryStore := store.New(cfg.SecureDeletePasses, logger)
	sweeper := store.NewSweeper(entryStore, time.Duration(cfg.CleanupInterval)*time.Second, logger)
	go sweeper.Run(ctx)

	keyMgr, err := keymanager.New(cfg.PQCEnabled, logger)
	if err != nil {
		return fmt.Errorf("initializing key manager: %w", err)
	}
	rotator := keymanager.NewRotator(keyMgr, time.Duration(cfg.KeyRotateIntervalS)*time.Second, logger)
	go rotator.Run(ctx)

	var sc *scorer.Scorer
	var ens *consensus.Ensemble
	var scorerForPipeline pipeline.Scorer
	seed := time.Now().UnixNano()
	if cfg.ScorerMode == "consensus" {
		ens = consensus.New(consensus.Config{
			MaxBuffer:       cfg.MaxBuffer,
			MinTrainSamples: cfg.MinTrainSamples,
			Seed:            seed,
		}, logger)
		retrainer := consensus.NewRetrainer(ens, time.Duration(cfg.RetrainIntervalS)*time.Second, logger)
		go retrainer.Run(ctx)
		scorerForPipeline = ens
	} else {
		sc = scorer.New(scorer.Config{
			MaxBuffer:       cfg.MaxBuffer,
			BufferStrategy:  cfg.BufferStrategy,
			MinTrainSamples: cfg.MinTrainSamples,
			Contamination:   cfg.Contamination,
			ModelPath:       cfg.ModelPath,
			Seed:            seed,
		}, logger)
		retrainer := scorer.NewRetrainer(sc, time.Duration(cfg.RetrainIntervalS)*time.Second, logger)
		go retrainer.Run(ctx)
		scorerForPipeline = sc
	}

	policyEngine := policy.New(policy.Config{
		AllowThreshold:   cfg.AllowThreshold,
		ReauthThreshold:  cfg.ReauthThreshold,
		ShadowMode:       cfg.ShadowMode,
		CanaryFraction:   cfg.CanaryFraction,
		ExceptionQuota:   cfg.ExceptionQuota,
		ExceptionWindowS: cfg.ExceptionWindowS,
	}, auditLog)

	var san *sanitizer.Sanitizer
	if cfg.SanitizationEnabled {
		san = sanitizer.New(cfg.SensitiveFieldThresh)
	}
	var leakDet *leakdetector.Detector
	if cfg.LeakDetectionEnabled {
		leakDet = leakdetector.New(cfg.PatternWindow)
	}

	pipe := &pipeline.Pipeline{
		Sanitizer:    san,
		LeakDetector: leakDet,
		Scorer:       scorerForPipeline,
		Policy:       policyEngine,
		Store:        entryStore,
		KeyManager:   keyMgr,
		Logger:       logger,
	}

	adminChecker := adminauth.New(cfg.AdminCredentials)
	mlChecker := adminauth.New(cfg.MLCredentials)
	var adminLimiter, mlLimiter *adminauth.RateLimiter
	if rdb != nil {
		adminLimiter = adminauth.NewRateLimiter(rdb, adminRateLimitMaxAttempts, adminRateLimitWindow)
		mlLimiter = adminauth.NewRateLimiter(rdb, adminRateLimitMaxAttempts, adminRateLimitWindow)
	}

	srv := httpserver.NewServer(cfg, logger, httpserver.Deps{
		Pipeline:     pipe,
		Store:        entryStore,
		Policy:       policyEngine,
		AuditLog:     auditLog,
		KeyManager:   keyMgr,
		Scorer:       sc,
		Consensus:    ens,
		AdminChecker: adminChecker,
		AdminLimiter: adminLimiter,
		MLChecker:    mlChecker,
		MLLimiter:    mlLimiter,
		MetricsReg:   metricsReg,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
