// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads spine-core configuration from TOML profiles under
// .spine/profiles/ and SPINE_* environment variables; env values override
// profile values.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config is the resolved runtime configuration.
type Config struct {
	DatabaseURL      string   `toml:"database_url"`
	DatabaseBackend  string   `toml:"database_backend"`
	SchedulerBackend string   `toml:"scheduler_backend"`
	CacheBackend     string   `toml:"cache_backend"`
	WorkerBackend    string   `toml:"worker_backend"`
	MetricsBackend   string   `toml:"metrics_backend"`
	TracingBackend   string   `toml:"tracing_backend"`
	RedisAddr        string   `toml:"redis_addr"`
	APIPort          int      `toml:"api_port"`
	LogLevel         string   `toml:"log_level"`
	Tier             string   `toml:"tier"`
	CORSOrigins      []string `toml:"cors_origins"`
	WorkflowsDir     string   `toml:"workflows_dir"`
	MaxWorkers       int      `toml:"max_workers"`
	MaxRetries       int      `toml:"max_retries"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		DatabaseBackend:  "sqlite",
		DatabaseURL:      ".spine/spine.db",
		SchedulerBackend: "local",
		CacheBackend:     "memory",
		WorkerBackend:    "local",
		MetricsBackend:   "prometheus",
		TracingBackend:   "none",
		RedisAddr:        "localhost:6379",
		APIPort:          8400,
		LogLevel:         "info",
		MaxWorkers:       4,
		MaxRetries:       3,
	}
}

// Load resolves configuration: defaults, then the named profile (or
// SPINE_PROFILE, or "default" if present), then environment overrides.
func Load(profileName string) (*Config, error) {
	cfg := Default()

	if profileName == "" {
		profileName = os.Getenv("SPINE_PROFILE")
	}
	if profileName != "" {
		profile, err := LoadProfile(ProfilesDir(), profileName)
		if err != nil {
			return nil, err
		}
		profile.applyTo(cfg)
	} else if HasProfile(ProfilesDir(), "default") {
		profile, err := LoadProfile(ProfilesDir(), "default")
		if err != nil {
			return nil, err
		}
		profile.applyTo(cfg)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides fields from SPINE_* environment variables.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.DatabaseURL, "SPINE_DATABASE_URL")
	setString(&c.DatabaseBackend, "SPINE_DATABASE_BACKEND")
	setString(&c.SchedulerBackend, "SPINE_SCHEDULER_BACKEND")
	setString(&c.CacheBackend, "SPINE_CACHE_BACKEND")
	setString(&c.WorkerBackend, "SPINE_WORKER_BACKEND")
	setString(&c.MetricsBackend, "SPINE_METRICS_BACKEND")
	setString(&c.TracingBackend, "SPINE_TRACING_BACKEND")
	setString(&c.RedisAddr, "SPINE_REDIS_ADDR")
	setString(&c.LogLevel, "SPINE_LOG_LEVEL")
	setString(&c.Tier, "SPINE_TIER")
	setString(&c.WorkflowsDir, "SPINE_WORKFLOWS_DIR")

	if v := os.Getenv("SPINE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.APIPort = port
		}
	}
	if v := os.Getenv("SPINE_CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		c.CORSOrigins = origins
	}
}

// EffectiveTier returns the configured tier, or infers one from the
// backend set: a postgres database or redis cache is "advanced",
// otherwise any scheduler backend other than "none" is "standard", and no
// scheduler backend is "basic". The
// tier only gates the capabilities report.
func (c *Config) EffectiveTier() string {
	if c.Tier != "" {
		return c.Tier
	}
	switch {
	case c.DatabaseBackend == "postgres" || c.CacheBackend == "redis":
		return "advanced"
	case c.SchedulerBackend != "" && c.SchedulerBackend != "none":
		return "standard"
	default:
		return "basic"
	}
}

// ProfilesDir returns the profile directory, honoring SPINE_HOME.
func ProfilesDir() string {
	base := os.Getenv("SPINE_HOME")
	if base == "" {
		base = ".spine"
	}
	return base + "/profiles"
}
