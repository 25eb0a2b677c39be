package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"GHOSTLINE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"GHOSTLINE_PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Admin / ML credential sets (comma-separated). Empty ⇒ routes fail closed (503).
	AdminCredentials []string `env:"GHOSTLINE_ADMIN_CREDENTIALS" envSeparator:","`
	MLCredentials    []string `env:"GHOSTLINE_ML_CREDENTIALS" envSeparator:","`

	// Redis — optional. Backs the admin-auth rate limiter only; unset disables it.
	RedisURL string `env:"REDIS_URL"`

	// Optional asynchronous audit mirror to Postgres. Unset disables it.
	AuditMirrorDSN string `env:"AUDIT_MIRROR_DSN"`

	// Ephemeral store
	SecureDeletePasses int `env:"GHOSTLINE_SECURE_DELETE_PASSES" envDefault:"3"`
	CleanupInterval    int `env:"GHOSTLINE_CLEANUP_INTERVAL_SECONDS" envDefault:"5"`

	// Audit log
	AuditLogPath        string `env:"GHOSTLINE_AUDIT_LOG_PATH" envDefault:"data/audit.log"`
	AuditLogMaxSize      int64  `env:"GHOSTLINE_AUDIT_LOG_MAX_SIZE_BYTES" envDefault:"10485760"`
	AuditLogRotationCount int   `env:"GHOSTLINE_AUDIT_LOG_ROTATION_COUNT" envDefault:"5"`
	TamperDetection     bool   `env:"GHOSTLINE_AUDIT_TAMPER_DETECTION" envDefault:"true"`

	// Anomaly scorer
	ScorerMode        string  `env:"GHOSTLINE_SCORER_MODE" envDefault:"single"` // single|consensus
	ModelPath         string  `env:"GHOSTLINE_MODEL_PATH" envDefault:"data/model.json"`
	RetrainIntervalS  int     `env:"GHOSTLINE_RETRAIN_INTERVAL_SECONDS" envDefault:"30"`
	MinTrainSamples   int     `env:"GHOSTLINE_MIN_TRAIN_SAMPLES" envDefault:"200"`
	MaxBuffer         int     `env:"GHOSTLINE_MAX_BUFFER" envDefault:"10000"`
	Contamination     float64 `env:"GHOSTLINE_CONTAMINATION" envDefault:"0.1"`
	BufferStrategy    string  `env:"GHOSTLINE_ROLLING_BUFFER_STRATEGY" envDefault:"drop_oldest"` // drop_oldest|reservoir

	// Policy engine
	AllowThreshold   int     `env:"GHOSTLINE_ALLOW_THRESHOLD" envDefault:"70"`
	ReauthThreshold  int     `env:"GHOSTLINE_REAUTH_THRESHOLD" envDefault:"40"`
	ShadowMode       bool    `env:"GHOSTLINE_SHADOW_MODE" envDefault:"false"`
	CanaryFraction   float64 `env:"GHOSTLINE_CANARY_FRACTION" envDefault:"1.0"`
	ExceptionQuota   int     `env:"GHOSTLINE_EXCEPTION_QUOTA" envDefault:"3"`
	ExceptionWindowS int     `env:"GHOSTLINE_EXCEPTION_WINDOW_SECONDS" envDefault:"3600"`

	// Metadata sanitizer / leak detector
	SanitizationEnabled   bool    `env:"GHOSTLINE_SANITIZATION_ENABLED" envDefault:"true"`
	SensitiveFieldThresh  float64 `env:"GHOSTLINE_SENSITIVE_FIELD_THRESHOLD" envDefault:"0.7"`
	PseudonymizeEnabled   bool    `env:"GHOSTLINE_PSEUDONYMIZE_ENABLED" envDefault:"true"`
	ObfuscationEnabled    bool    `env:"GHOSTLINE_OBFUSCATION_ENABLED" envDefault:"true"`
	LeakDetectionEnabled  bool    `env:"GHOSTLINE_LEAK_DETECTION_ENABLED" envDefault:"true"`
	DetectionThreshold    float64 `env:"GHOSTLINE_DETECTION_THRESHOLD" envDefault:"0.5"`
	PatternWindow         int     `env:"GHOSTLINE_PATTERN_WINDOW" envDefault:"10"`

	// Key manager
	KeyRotateIntervalS int  `env:"GHOSTLINE_KEY_ROTATE_INTERVAL_SECONDS" envDefault:"3600"`
	PQCEnabled         bool `env:"GHOSTLINE_PQC_ENABLED" envDefault:"true"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
