// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/deepsea-ai/nereid/internal/pipeline"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Upload handling.
	UploadsDir     string
	MaxUploadBytes int64

	// Pipeline settings.
	ArtifactRoot    string // Artifact directory of the external pipeline; empty disables it.
	StageConfigPath string // Optional YAML stage override file.
	OnStageError    string // "fail" or "degrade".
	MaxJobDuration  time.Duration

	// Store settings.
	SeedPath          string // Optional JSON snapshot of demo jobs loaded at boot.
	RetentionTTL      time.Duration
	RetentionSchedule string // Cron expression for the retention sweep.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel         string
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:              envInt("NEREID_PORT", 8080),
		ReadTimeout:       envDuration("NEREID_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDuration("NEREID_WRITE_TIMEOUT", 30*time.Second),
		UploadsDir:        envStr("NEREID_UPLOADS_DIR", "uploads"),
		MaxUploadBytes:    int64(envInt("NEREID_MAX_UPLOAD_BYTES", 100*1024*1024)), // 100 MB default
		ArtifactRoot:      envStr("NEREID_ARTIFACT_ROOT", ""),
		StageConfigPath:   envStr("NEREID_STAGE_CONFIG", ""),
		OnStageError:      envStr("NEREID_ON_STAGE_ERROR", string(pipeline.PolicyDegrade)),
		MaxJobDuration:    envDuration("NEREID_MAX_JOB_DURATION", 30*time.Minute),
		SeedPath:          envStr("NEREID_SEED_PATH", ""),
		RetentionTTL:      envDuration("NEREID_RETENTION_TTL", 0), // 0 disables the sweep
		RetentionSchedule: envStr("NEREID_RETENTION_SCHEDULE", "@hourly"),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envStr("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		ServiceName:       envStr("OTEL_SERVICE_NAME", "nereid"),
		LogLevel:          envStr("NEREID_LOG_LEVEL", "info"),
		RateLimitEnabled:  envStr("NEREID_RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitRPS:      float64(envInt("NEREID_RATE_LIMIT_RPS", 1)),
		RateLimitBurst:    envInt("NEREID_RATE_LIMIT_BURST", 10),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: NEREID_PORT must be a valid port (got %d)", c.Port)
	}
	if c.UploadsDir == "" {
		return fmt.Errorf("config: NEREID_UPLOADS_DIR is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: NEREID_MAX_UPLOAD_BYTES must be positive")
	}
	switch pipeline.ErrorPolicy(c.OnStageError) {
	case pipeline.PolicyFail, pipeline.PolicyDegrade:
	default:
		return fmt.Errorf("config: NEREID_ON_STAGE_ERROR must be %q or %q (got %q)",
			pipeline.PolicyFail, pipeline.PolicyDegrade, c.OnStageError)
	}
	if c.MaxJobDuration <= 0 {
		return fmt.Errorf("config: NEREID_MAX_JOB_DURATION must be positive")
	}
	if c.RetentionTTL < 0 {
		return fmt.Errorf("config: NEREID_RETENTION_TTL must not be negative")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: NEREID_RATE_LIMIT_RPS and NEREID_RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
