// mo-local - client-side key service core
// Copyright (C) 2025 Chronologion
//
// This file is part of mo-local.
//
// mo-local is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// mo-local is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with mo-local. If not, see <https://www.gnu.org/licenses/>.

// Package config loads host configuration for the key service: session
// policy, codec limits, logging, and the storage directory. Values come
// from a YAML file with ${VAR} substitution, overridable by MO_* variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chronologion/mo-local/core"
)

// Config is the host configuration root.
type Config struct {
	Policy  PolicyConfig  `yaml:"policy"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
}

// PolicyConfig mirrors core.Policy in file form.
type PolicyConfig struct {
	NormalSessionTTLMs   uint64 `yaml:"normal_session_ttl_ms"`
	StepUpSessionTTLMs   uint64 `yaml:"step_up_session_ttl_ms"`
	MaxHandlesPerSession int    `yaml:"max_handles_per_session"`
	MaxCborBytes         int    `yaml:"max_cbor_bytes"`
	MaxCborDepth         int    `yaml:"max_cbor_depth"`
	MaxCborItems         int    `yaml:"max_cbor_items"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig points at the vault directory for file-backed hosts.
type StorageConfig struct {
	Directory string `yaml:"directory"`
}

// Default mirrors core.DefaultPolicy.
func Default() *Config {
	policy := core.DefaultPolicy()
	return &Config{
		Policy: PolicyConfig{
			NormalSessionTTLMs:   policy.NormalSessionTTLMs,
			StepUpSessionTTLMs:   policy.StepUpSessionTTLMs,
			MaxHandlesPerSession: policy.MaxHandlesPerSession,
			MaxCborBytes:         policy.MaxCborBytes,
			MaxCborDepth:         policy.MaxCborDepth,
			MaxCborItems:         policy.MaxCborItems,
		},
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{Directory: "."},
	}
}

// Load reads a config file, substitutes environment variables, and applies
// MO_* overrides. An empty path yields defaults plus overrides. A .env file
// in the working directory is loaded first, if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.Expand(string(raw), func(name string) string {
			return os.Getenv(name)
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envUint("MO_SESSION_TTL_MS"); ok {
		cfg.Policy.NormalSessionTTLMs = v
	}
	if v, ok := envUint("MO_STEP_UP_TTL_MS"); ok {
		cfg.Policy.StepUpSessionTTLMs = v
	}
	if v, ok := envInt("MO_MAX_HANDLES"); ok {
		cfg.Policy.MaxHandlesPerSession = v
	}
	if v := os.Getenv("MO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MO_STORE_DIR"); v != "" {
		cfg.Storage.Directory = v
	}
}

func envUint(name string) (uint64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate rejects configurations the core cannot honor.
func (c *Config) Validate() error {
	if c.Policy.NormalSessionTTLMs == 0 {
		return fmt.Errorf("config: normal_session_ttl_ms must be positive")
	}
	if c.Policy.StepUpSessionTTLMs == 0 {
		return fmt.Errorf("config: step_up_session_ttl_ms must be positive")
	}
	if c.Policy.MaxHandlesPerSession <= 0 {
		return fmt.Errorf("config: max_handles_per_session must be positive")
	}
	if c.Policy.MaxCborBytes <= 0 || c.Policy.MaxCborDepth <= 0 || c.Policy.MaxCborItems <= 0 {
		return fmt.Errorf("config: cbor limits must be positive")
	}
	return nil
}

// CoreConfig converts to the core service configuration.
func (c *Config) CoreConfig() core.Config {
	return core.Config{
		Policy: core.Policy{
			NormalSessionTTLMs:   c.Policy.NormalSessionTTLMs,
			StepUpSessionTTLMs:   c.Policy.StepUpSessionTTLMs,
			MaxHandlesPerSession: c.Policy.MaxHandlesPerSession,
			MaxCborBytes:         c.Policy.MaxCborBytes,
			MaxCborDepth:         c.Policy.MaxCborDepth,
			MaxCborItems:         c.Policy.MaxCborItems,
		},
	}
}
