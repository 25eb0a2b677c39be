package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghostline/ghostline/internal/adminauth"
	"github.com/ghostline/ghostline/internal/audit"
	"github.com/ghostline/ghostline/internal/config"
	"github.com/ghostline/ghostline/internal/consensus"
	"github.com/ghostline/ghostline/internal/keymanager"
	"github.com/ghostline/ghostline/internal/pipeline"
	"github.com/ghostline/ghostline/internal/policy"
	"github.com/ghostline/ghostline/internal/scorer"
	"github.com/ghostline/ghostline/internal/store"
)

// Server holds the HTTP server and the domain components spec.md §6
// exposes over it. Exactly one of Scorer / Consensus is non-nil, selected
// by the scorer-mode configuration at startup.
type Server struct {
	Router *chi.Mux

	Pipeline   *pipeline.Pipeline
	Store      *store.Store
	Policy     *policy.Engine
	AuditLog   *audit.Log
	KeyManager *keymanager.Manager
	Scorer     *scorer.Scorer
	Consensus  *consensus.Ensemble

	AdminChecker *adminauth.Checker
	AdminLimiter *adminauth.RateLimiter
	MLChecker    *adminauth.Checker
	MLLimiter    *adminauth.RateLimiter

	Logger        *slog.Logger
	MetricsReg    *prometheus.Registry
	startedAt     time.Time
}

// Deps bundles the components NewServer wires into routes.
type Deps struct {
	Pipeline     *pipeline.Pipeline
	Store        *store.Store
	Policy       *policy.Engine
	AuditLog     *audit.Log
	KeyManager   *keymanager.Manager
	Scorer       *scorer.Scorer
	Consensus    *consensus.Ensemble
	AdminChecker *adminauth.Checker
	AdminLimiter *adminauth.RateLimiter
	MLChecker    *adminauth.Checker
	MLLimiter    *adminauth.RateLimiter
	MetricsReg   *prometheus.Registry
}

// NewServer builds the chi router mounting every route in spec.md §6:
// the unauthenticated send/fetch/read/crypto/ml-observe surface, and the
// admin-credential-gated ml-score/admin surface.
func NewServer(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		Pipeline:     deps.Pipeline,
		Store:        deps.Store,
		Policy:       deps.Policy,
		AuditLog:     deps.AuditLog,
		KeyManager:   deps.KeyManager,
		Scorer:       deps.Scorer,
		Consensus:    deps.Consensus,
		AdminChecker: deps.AdminChecker,
		AdminLimiter: deps.AdminLimiter,
		MLChecker:    deps.MLChecker,
		MLLimiter:    deps.MLLimiter,
		Logger:       logger,
		MetricsReg:   deps.MetricsReg,
		startedAt:    time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Credential", "X-ML-Credential", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(deps.MetricsReg, promhttp.HandlerOpts{}))

	s.Router.Post("/send", s.handleSend)
	s.Router.Get("/fetch/{token}", s.handleFetch)
	s.Router.Post("/read/{token}", s.handleRead)

	s.Router.Post("/crypto/hybrid_init", s.handleHybridInit)
	s.Router.Post("/crypto/send", s.handleCryptoSend)
	s.Router.Get("/crypto/keys", s.handleCryptoKeys)

	s.Router.Post("/ml/observe", s.handleMLObserve)

	mlAuth := adminauth.Middleware(s.MLChecker, s.MLLimiter, "X-ML-Credential", Respond)
	s.Router.With(mlAuth).Post("/ml/score", s.handleMLScore)

	adminAuth := adminauth.Middleware(s.AdminChecker, s.AdminLimiter, "X-Admin-Credential", Respond)
	s.Router.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth)
		r.Get("/ml/health", s.handleAdminMLHealth)
		r.Post("/ml/retrain", s.handleAdminMLRetrain)
		r.Get("/policy/status", s.handleAdminPolicyStatus)
		r.Post("/policy/thresholds", s.handleAdminPolicyThresholds)
		r.Get("/audit/read", s.handleAdminAuditRead)
		r.Get("/forensic/status", s.handleAdminForensicStatus)
		r.Post("/forensic/cleanup", s.handleAdminForensicCleanup)
		r.Get("/forensic/audit-integrity", s.handleAdminForensicAuditIntegrity)
		r.Post("/keys/rotate", s.handleAdminKeysRotate)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness purely from in-process state: ghostline
// has no required external dependency (Redis and Postgres are both
// optional, per SPEC_FULL's domain-stack decisions), so readiness tracks
// liveness once the router is mounted.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// addObservation forwards to whichever scoring backend is active.
func (s *Server) addObservation(vector []float64) error {
	if s.Scorer != nil {
		return s.Scorer.AddObservation(vector)
	}
	if s.Consensus != nil {
		return s.Consensus.AddObservation(vector)
	}
	return nil
}

// score returns the risk score and whether a trained model produced it
// (as opposed to the neutral/heuristic fallback).
func (s *Server) score(vector []float64) (risk int, trained bool) {
	if s.Scorer != nil {
		return s.Scorer.Score(vector), s.Scorer.Health().Trained
	}
	if s.Consensus != nil {
		return s.Consensus.Score(vector), s.Consensus.Health().Trained
	}
	return 50, false
}

func (s *Server) forceRetrain() bool {
	if s.Scorer != nil {
		return s.Scorer.ForceRetrain()
	}
	if s.Consensus != nil {
		return s.Consensus.ForceRetrain()
	}
	return false
}

func (s *Server) mlHealth() map[string]any {
	if s.Scorer != nil {
		h := s.Scorer.Health()
		return map[string]any{
			"backend":         "single",
			"trained":         h.Trained,
			"buffer_size":     h.BufferSize,
			"min_samples":     h.MinSamples,
			"contamination":   h.Contamination,
			"model_version":   h.ModelVersion,
			"last_retrain_ts": h.LastRetrainTS,
		}
	}
	if s.Consensus != nil {
		h := s.Consensus.Health()
		return map[string]any{
			"backend":           "consensus",
			"trained":           h.Trained,
			"buffer_size":       h.BufferSize,
			"min_samples":       h.MinSamples,
			"model_version":     h.ModelVersion,
			"last_retrain_ts":   h.LastRetrainTS,
			"consensus_reached": h.ConsensusReached,
			"confidence":        h.Confidence,
		}
	}
	return map[string]any{"backend": "none", "trained": false}
}
