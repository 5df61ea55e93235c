// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package config loads the core's configuration with layered sources:
// struct defaults, then an optional YAML file, then environment variables.
// Precedence is ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/fetchcore-dev/fetchcore/pkg/bulk"
	"github.com/fetchcore-dev/fetchcore/pkg/logging"
	"github.com/fetchcore-dev/fetchcore/pkg/pool"
	"github.com/fetchcore-dev/fetchcore/pkg/query"
	"github.com/fetchcore-dev/fetchcore/pkg/sql/guard"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"fetchcore.yaml",
	"fetchcore.yml",
	"/etc/fetchcore/config.yaml",
	"/etc/fetchcore/config.yml",
}

// ConfigPathEnvVar overrides the config file search when set.
const ConfigPathEnvVar = "FETCHCORE_CONFIG"

// Config aggregates every tunable section of the core.
type Config struct {
	// Pool configures principals and connection multiplexing.
	Pool pool.Config `koanf:"pool"`

	// Bulk tunes the batched-write dispatcher.
	Bulk bulk.Config `koanf:"bulk"`

	// Query tunes the paged query executor.
	Query query.Config `koanf:"query"`

	// Guard sets the destructive-statement safety rules.
	Guard guard.Options `koanf:"guard"`

	// Logging configures the global logger.
	Logging logging.Config `koanf:"logging"`
}

// Default returns a Config with production defaults and no principals.
// Callers must supply at least one principal before the pool will start.
func Default() *Config {
	return &Config{
		Pool:    pool.DefaultConfig(),
		Bulk:    bulk.DefaultConfig(),
		Query:   query.DefaultConfig(),
		Guard:   guard.DefaultOptions(),
		Logging: logging.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Pool.SharedCapacity > 0 {
		logging.Warn().
			Int("shared_capacity", cfg.Pool.SharedCapacity).
			Msg("pool.shared_capacity is deprecated; prefer per_principal_ceiling")
	}

	return cfg, nil
}

// Validate checks field constraints across every section.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// findConfigFile returns the first existing config file, checking the
// override env var before the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variable names to config paths. Unmapped
// variables are ignored so unrelated environment noise never reaches the
// config tree.
var envMappings = map[string]string{
	// Pool
	"fetchcore_per_principal_ceiling":   "pool.per_principal_ceiling",
	"fetchcore_shared_capacity":         "pool.shared_capacity",
	"fetchcore_acquire_timeout":         "pool.acquire_timeout",
	"fetchcore_disable_affinity_cookie": "pool.disable_affinity_cookie",
	"fetchcore_fault_threshold":         "pool.fault_threshold",
	"fetchcore_quarantine_cooldown":     "pool.quarantine_cooldown",

	// Throttle controller
	"fetchcore_throttle_minimum_parallelism":   "pool.throttle.minimum_parallelism",
	"fetchcore_throttle_hard_ceiling":          "pool.throttle.hard_ceiling",
	"fetchcore_throttle_increase_step":         "pool.throttle.increase_step",
	"fetchcore_throttle_recovery_multiplier":   "pool.throttle.recovery_multiplier",
	"fetchcore_throttle_stabilization_batches": "pool.throttle.stabilization_batches",
	"fetchcore_throttle_min_increase_interval": "pool.throttle.min_increase_interval",
	"fetchcore_throttle_decrease_factor":       "pool.throttle.decrease_factor",
	"fetchcore_throttle_stabilization_window":  "pool.throttle.stabilization_window",
	"fetchcore_throttle_idle_reset_period":     "pool.throttle.idle_reset_period",

	// Bulk dispatcher
	"fetchcore_bulk_sub_batch_size": "bulk.sub_batch_size",
	"fetchcore_bulk_max_retries":    "bulk.max_retries",
	"fetchcore_bulk_retry_backoff":  "bulk.retry_backoff",
	"fetchcore_bulk_parallelism":    "bulk.parallelism",

	// Query executor
	"fetchcore_query_page_size":        "query.page_size",
	"fetchcore_query_max_rows":         "query.max_rows",
	"fetchcore_query_throttle_retries": "query.throttle_retries",

	// DML guard
	"fetchcore_guard_prevent_delete_without_where": "guard.prevent_delete_without_where",
	"fetchcore_guard_prevent_update_without_where": "guard.prevent_update_without_where",
	"fetchcore_guard_confirmed":                    "guard.confirmed",
	"fetchcore_guard_no_limit":                     "guard.no_limit",
	"fetchcore_guard_row_cap":                      "guard.row_cap",

	// Logging
	"fetchcore_log_level":  "logging.level",
	"fetchcore_log_format": "logging.format",
	"fetchcore_log_caller": "logging.caller",
}

// envTransform maps environment variable names to koanf paths, dropping
// anything outside the known set.
func envTransform(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
