// Package config loads the YAML configuration file, applies MTOPS_
// environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kevinpez/mikrotik-ops/internal/profile"
)

type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Auth     AuthConfig              `yaml:"auth"`
	Pool     PoolConfig              `yaml:"pool"`
	Fallback FallbackConfig          `yaml:"fallback"`
	Safety   SafetyConfig            `yaml:"safety"`
	Engine   EngineConfig            `yaml:"engine"`
	Audit    AuditConfig             `yaml:"audit"`
	Logging  LoggingConfig           `yaml:"logging"`
	Targets  []profile.TargetProfile `yaml:"targets"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type AuthConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
}

type PoolConfig struct {
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`
	DialRetries   int `yaml:"dial_retries"`
	DialBackoffMS int `yaml:"dial_backoff_ms"`
}

type FallbackConfig struct {
	CooldownMS int `yaml:"cooldown_ms"`
}

type SafetyConfig struct {
	LeaseTTLMS         int      `yaml:"lease_ttl_ms"`
	CriticalLeaseTTLMS int      `yaml:"critical_lease_ttl_ms"`
	SensitiveKeywords  []string `yaml:"sensitive_keywords"`
}

type EngineConfig struct {
	DryRun          bool `yaml:"dry_run"`
	PendingTTLMS    int  `yaml:"pending_ttl_ms"`
	SweepIntervalMS int  `yaml:"sweep_interval_ms"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target profile is required")
	}
	for i := range c.Targets {
		if err := c.Targets[i].Validate(); err != nil {
			return err
		}
	}

	if c.Server.Port != 0 {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("MTOPS_AUTH_JWT_SECRET is required when the HTTP server is enabled")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("jwt_secret must be at least 32 characters")
		}
		if c.Auth.Password == "" || c.Auth.Password == "changeme" {
			return fmt.Errorf("MTOPS_AUTH_PASSWORD must be set to a strong password")
		}
	}

	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit is enabled")
	}

	return nil
}

// Target returns the named target profile.
func (c *Config) Target(name string) (*profile.TargetProfile, bool) {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i], true
		}
	}
	return nil, false
}

// applyEnvOverrides checks for environment variables with MTOPS_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MTOPS_AUTH_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := os.Getenv("MTOPS_AUTH_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v := os.Getenv("MTOPS_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("MTOPS_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
	}
	if v := os.Getenv("MTOPS_SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}
	if v := os.Getenv("MTOPS_DRY_RUN"); v != "" {
		cfg.Engine.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
}

// GetReadTimeout returns the read timeout as a duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// GetJWTExpiry returns JWT expiry as duration
func (a *AuthConfig) GetJWTExpiry() time.Duration {
	if a.JWTExpiryHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// GetIdleTimeout returns the session idle window as a duration
func (p *PoolConfig) GetIdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutMS) * time.Millisecond
}

// GetDialBackoff returns the dial backoff base as a duration
func (p *PoolConfig) GetDialBackoff() time.Duration {
	return time.Duration(p.DialBackoffMS) * time.Millisecond
}

// GetCooldown returns the API-surface cooldown as a duration
func (f *FallbackConfig) GetCooldown() time.Duration {
	return time.Duration(f.CooldownMS) * time.Millisecond
}

// GetLeaseTTL returns the High-tier lease window as a duration
func (s *SafetyConfig) GetLeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLMS) * time.Millisecond
}

// GetCriticalLeaseTTL returns the Critical-tier lease window as a duration
func (s *SafetyConfig) GetCriticalLeaseTTL() time.Duration {
	return time.Duration(s.CriticalLeaseTTLMS) * time.Millisecond
}

// GetPendingTTL returns the abandoned-approval window as a duration
func (e *EngineConfig) GetPendingTTL() time.Duration {
	return time.Duration(e.PendingTTLMS) * time.Millisecond
}

// GetSweepInterval returns the background sweep pace as a duration
func (e *EngineConfig) GetSweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
