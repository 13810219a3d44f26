// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"stylus-builder/internal/artifact"
	"stylus-builder/internal/builder"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port                int
	WorkspaceRoot       string
	ArtifactLimitBytes  int64
	BuildTimeout        time.Duration
	DeployTimeout       time.Duration
	Retention           time.Duration
	SweepInterval       time.Duration
	MaxConcurrentBuilds int
	RetainOnSuccess     bool
	DefaultRPC          string
	ToolchainProfile    string
	ResultCacheSize     int
	LogLevel            string
	LogFormat           string
	Archive             ArchiveConfig
}

// ArchiveConfig configures optional artifact upload to S3 or MinIO.
type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:               8420,
		WorkspaceRoot:      filepath.Join(os.TempDir(), "stylus-builder"),
		ArtifactLimitBytes: 24 * 1024,
		BuildTimeout:       120 * time.Second,
		DeployTimeout:      180 * time.Second,
		Retention:          30 * time.Minute,
		SweepInterval:      5 * time.Minute,
		RetainOnSuccess:    true,
		DefaultRPC:         "https://sepolia-rollup.arbitrum.io/rpc",
		ResultCacheSize:    256,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load reads an optional .env file and then the process environment.
// Malformed values keep their defaults.
func Load() Config {
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimPrefix(v, ":")); err == nil {
			cfg.Port = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WORKSPACE_ROOT")); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("ARTIFACT_LIMIT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ArtifactLimitBytes = n
		}
	}
	envDuration("BUILD_TIMEOUT", &cfg.BuildTimeout)
	envDuration("DEPLOY_TIMEOUT", &cfg.DeployTimeout)
	envDuration("WORKSPACE_RETENTION", &cfg.Retention)
	envDuration("SWEEP_INTERVAL", &cfg.SweepInterval)
	if v := os.Getenv("MAX_CONCURRENT_BUILDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentBuilds = n
		}
	}
	if v := os.Getenv("RETAIN_ON_SUCCESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RetainOnSuccess = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_RPC_URL")); v != "" {
		cfg.DefaultRPC = v
	}
	cfg.ToolchainProfile = strings.TrimSpace(os.Getenv("TOOLCHAIN_PROFILE"))
	if v := os.Getenv("RESULT_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ResultCacheSize = n
		}
	}
	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), cfg.LogLevel)
	cfg.LogFormat = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_FORMAT")), cfg.LogFormat)
	cfg.Archive = loadArchiveConfig()

	return cfg
}

func loadArchiveConfig() ArchiveConfig {
	endpoint := strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
	return ArchiveConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "stylus-artifacts"),
		UseSSL:    resolveUseSSL(),
	}
}

func resolveUseSSL() bool {
	raw := strings.TrimSpace(os.Getenv("ARTIFACT_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func envDuration(key string, dst *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.WorkspaceRoot == "":
		return fmt.Errorf("workspace root is required")
	case c.ArtifactLimitBytes <= 0:
		return fmt.Errorf("artifact limit must be positive, got %d", c.ArtifactLimitBytes)
	case c.BuildTimeout <= 0 || c.DeployTimeout <= 0:
		return fmt.Errorf("timeouts must be positive (build %s, deploy %s)", c.BuildTimeout, c.DeployTimeout)
	case c.Retention <= 0 || c.SweepInterval <= 0:
		return fmt.Errorf("retention and sweep interval must be positive (retention %s, sweep %s)", c.Retention, c.SweepInterval)
	case c.MaxConcurrentBuilds < 0:
		return fmt.Errorf("max concurrent builds must not be negative, got %d", c.MaxConcurrentBuilds)
	}
	if err := builder.ValidateEndpoint(c.DefaultRPC); err != nil {
		return fmt.Errorf("default rpc: %w", err)
	}
	return nil
}

// Settings converts the config into orchestrator settings.
func (c Config) Settings() builder.Settings {
	return builder.Settings{
		ArtifactLimitBytes:  c.ArtifactLimitBytes,
		BuildTimeout:        c.BuildTimeout,
		DeployTimeout:       c.DeployTimeout,
		MaxConcurrentBuilds: c.MaxConcurrentBuilds,
		RetainOnSuccess:     c.RetainOnSuccess,
		DefaultRPC:          c.DefaultRPC,
		ResultCacheSize:     c.ResultCacheSize,
	}
}

// S3 converts the archive config for the artifact package.
func (a ArchiveConfig) S3() artifact.S3Config {
	return artifact.S3Config{
		Endpoint:  a.Endpoint,
		Region:    a.Region,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Bucket:    a.Bucket,
		UseSSL:    a.UseSSL,
	}
}
