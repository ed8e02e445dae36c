// ogc-gateway federates OGC API Processes providers behind one HTTP surface.
// Copyright (C) 2025 ogc-gateway contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the gateway's process-wide configuration from
// environment variables: explicit per-variable parsing plus a Validate
// pass for cross-field constraints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/citysciencelab/ogc-gateway/pkg/secutil"
)

// Config holds every environment-derived setting the composition root
// needs to wire the gateway.
type Config struct {
	DBPath             string
	ProvidersFile      string
	PollInterval       time.Duration
	PollTimeout        time.Duration
	HasPollTimeout     bool // distinguishes "unset" (unbounded) from an explicit 0
	APIPrefix          string
	GeoserverURL       string
	GeoserverUser      string
	GeoserverPassword  string
	IdentityIssuerURL  string
	IdentityHMACSecret string
	AdminUsername      string
	AdminPasswordHash  string
	S3Bucket           string
	S3Region           string
	S3AccessKeyID      string
	S3SecretAccessKey  string
	LogLevel           string
	HTTPAddr           string
	WorkerCount        int
	JobLeaseTTL        time.Duration
	RateLimitPerMinute int
}

// LoadFromEnv reads Config from the environment, applying defaults for
// anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		DBPath:             envOr("GATEWAY_DB_PATH", "./gateway.db"),
		ProvidersFile:      envOr("GATEWAY_PROVIDERS_FILE", "./providers.yaml"),
		PollInterval:       time.Second,
		APIPrefix:          envOr("GATEWAY_API_PREFIX", "/"),
		GeoserverURL:       os.Getenv("GATEWAY_GEOSERVER_URL"),
		GeoserverUser:      os.Getenv("GATEWAY_GEOSERVER_USER"),
		GeoserverPassword:  os.Getenv("GATEWAY_GEOSERVER_PASSWORD"),
		IdentityIssuerURL:  os.Getenv("GATEWAY_IDENTITY_ISSUER_URL"),
		IdentityHMACSecret: os.Getenv("GATEWAY_IDENTITY_HMAC_SECRET"),
		AdminUsername:      envOr("GATEWAY_ADMIN_USERNAME", "admin"),
		AdminPasswordHash:  os.Getenv("GATEWAY_ADMIN_PASSWORD_HASH"),
		S3Bucket:           os.Getenv("GATEWAY_S3_BUCKET"),
		S3Region:           envOr("GATEWAY_S3_REGION", "us-east-1"),
		S3AccessKeyID:      os.Getenv("GATEWAY_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey:  os.Getenv("GATEWAY_S3_SECRET_ACCESS_KEY"),
		LogLevel:           envOr("GATEWAY_LOG_LEVEL", "info"),
		HTTPAddr:           envOr("GATEWAY_HTTP_ADDR", ":8080"),
		WorkerCount:        4,
		JobLeaseTTL:        30 * time.Second,
		RateLimitPerMinute: 120,
	}

	if val := os.Getenv("GATEWAY_POLL_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid GATEWAY_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if val := os.Getenv("GATEWAY_POLL_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid GATEWAY_POLL_TIMEOUT: %w", err)
		}
		if d < 0 {
			return cfg, fmt.Errorf("GATEWAY_POLL_TIMEOUT must not be negative")
		}
		cfg.PollTimeout = d
		cfg.HasPollTimeout = true
	}

	if val := os.Getenv("GATEWAY_WORKER_COUNT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid GATEWAY_WORKER_COUNT: %w", err)
		}
		cfg.WorkerCount = n
	}

	if val := os.Getenv("GATEWAY_JOB_LEASE_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid GATEWAY_JOB_LEASE_TTL: %w", err)
		}
		cfg.JobLeaseTTL = d
	}

	if val := os.Getenv("GATEWAY_RATE_LIMIT_PER_MINUTE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid GATEWAY_RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = n
	}

	return cfg, nil
}

// Validate checks cross-field constraints LoadFromEnv cannot express
// per-variable.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("GATEWAY_DB_PATH must not be empty")
	}
	if c.ProvidersFile == "" {
		return fmt.Errorf("GATEWAY_PROVIDERS_FILE must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("GATEWAY_POLL_INTERVAL must be positive")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("GATEWAY_WORKER_COUNT must be at least 1")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.GeoserverURL != "" && (c.GeoserverUser == "" || c.GeoserverPassword == "") {
		return fmt.Errorf("GATEWAY_GEOSERVER_USER and GATEWAY_GEOSERVER_PASSWORD are required when GATEWAY_GEOSERVER_URL is set")
	}
	return nil
}

// LogAttrs redacts secrets so the config can be logged safely with slog,
// e.g. log.Info("config loaded", cfg.LogAttrs()...).
func (c Config) LogAttrs() []any {
	return []any{
		"db_path", c.DBPath,
		"providers_file", c.ProvidersFile,
		"poll_interval", c.PollInterval,
		"poll_timeout_set", c.HasPollTimeout,
		"api_prefix", c.APIPrefix,
		"geoserver_url", secutil.RedactURL(c.GeoserverURL),
		"geoserver_user", secutil.RedactSecret(c.GeoserverUser),
		"identity_issuer_url", c.IdentityIssuerURL,
		"admin_username", c.AdminUsername,
		"admin_bootstrap_enabled", c.AdminPasswordHash != "",
		"s3_bucket", c.S3Bucket,
		"s3_region", c.S3Region,
		"s3_access_key_id", secutil.RedactSecret(c.S3AccessKeyID),
		"log_level", c.LogLevel,
		"http_addr", c.HTTPAddr,
		"worker_count", c.WorkerCount,
		"job_lease_ttl", c.JobLeaseTTL,
		"rate_limit_per_minute", c.RateLimitPerMinute,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
