package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
		{"allow >= reauth threshold", func(c *Config) bool { return c.AllowThreshold >= c.ReauthThreshold }},
		{"default secure delete passes", func(c *Config) bool { return c.SecureDeletePasses == 3 }},
		{"default scorer mode is single", func(c *Config) bool { return c.ScorerMode == "single" }},
		{"default canary fraction is 1.0", func(c *Config) bool { return c.CanaryFraction == 1.0 }},
		{"admin credentials empty by default", func(c *Config) bool { return len(c.AdminCredentials) == 0 }},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("check failed for %s", tt.name)
			}
		})
	}
}
