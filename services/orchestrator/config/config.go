// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the orchestrator's configuration: defaults,
// overlaid by an optional YAML file, overlaid by UXBIBLIO_-prefixed
// environment variables, then validated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Exporter  ExporterConfig  `yaml:"exporter"`
	Credits   CreditsConfig   `yaml:"credits"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	Port     int    `yaml:"port" validate:"gt=0,lte=65535"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogDir   string `yaml:"log_dir"`
	JSONLogs bool   `yaml:"json_logs"`

	// APIToken gates the /v1 plugin API when set. Empty (the default)
	// leaves the API open, which is appropriate for localhost use.
	APIToken string `yaml:"api_token"`
}

// AnalysisConfig points at the upstream analysis service.
type AnalysisConfig struct {
	Endpoint string        `yaml:"endpoint" validate:"required,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ExporterConfig points at the frame-render callback endpoint.
type ExporterConfig struct {
	Endpoint string `yaml:"endpoint" validate:"required,url"`
}

// CreditsConfig tunes the anonymous-account credit grant.
type CreditsConfig struct {
	// Baseline is the number of free analyses granted to anonymous
	// accounts. Zero means anonymous accounts are always gated.
	Baseline int `yaml:"baseline" validate:"gte=0"`
}

// BridgeConfig tunes the auth-bridge handshake.
type BridgeConfig struct {
	PortalURL       string        `yaml:"portal_url" validate:"required,url"`
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	CompletionDelay time.Duration `yaml:"completion_delay" validate:"gte=0"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxFailures     int           `yaml:"max_failures" validate:"gt=0"`

	// SweepInterval is how often abandoned handshake tokens are
	// reclaimed. Zero disables the background sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// StorageConfig locates the persistent key-value store.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     12310,
			LogLevel: "info",
			JSONLogs: true,
		},
		Analysis: AnalysisConfig{
			Endpoint: "http://localhost:12311/v1/analyze",
			Timeout:  90 * time.Second,
		},
		Exporter: ExporterConfig{
			Endpoint: "http://localhost:12312/v1/export",
		},
		Credits: CreditsConfig{
			Baseline: 0,
		},
		Bridge: BridgeConfig{
			PortalURL:       "https://uxbiblio.com/account",
			TTL:             10 * time.Minute,
			CompletionDelay: 2 * time.Second,
			PollInterval:    2 * time.Second,
			MaxFailures:     5,
			SweepInterval:   time.Minute,
		},
		Storage: StorageConfig{
			Path: "/var/lib/uxbiblio/orchestrator",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Load builds the effective configuration.
//
// # Inputs
//
//	path - Optional YAML file. Empty means defaults + environment only;
//	       a named file that does not exist is an error.
//
// # Outputs
//
//	*Config - Validated configuration.
//	error   - Parse or validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays UXBIBLIO_-prefixed environment variables.
func applyEnv(cfg *Config) {
	if v, ok := envInt("UXBIBLIO_PORT"); ok {
		cfg.Server.Port = v
	}
	if v, ok := env("UXBIBLIO_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = strings.ToLower(v)
	}
	if v, ok := env("UXBIBLIO_LOG_DIR"); ok {
		cfg.Server.LogDir = v
	}
	if v, ok := env("UXBIBLIO_API_TOKEN"); ok {
		cfg.Server.APIToken = v
	}
	if v, ok := env("UXBIBLIO_ANALYSIS_ENDPOINT"); ok {
		cfg.Analysis.Endpoint = v
	}
	if v, ok := envDuration("UXBIBLIO_ANALYSIS_TIMEOUT"); ok {
		cfg.Analysis.Timeout = v
	}
	if v, ok := env("UXBIBLIO_EXPORTER_ENDPOINT"); ok {
		cfg.Exporter.Endpoint = v
	}
	if v, ok := envInt("UXBIBLIO_CREDITS_BASELINE"); ok {
		cfg.Credits.Baseline = v
	}
	if v, ok := env("UXBIBLIO_PORTAL_URL"); ok {
		cfg.Bridge.PortalURL = v
	}
	if v, ok := envDuration("UXBIBLIO_BRIDGE_TTL"); ok {
		cfg.Bridge.TTL = v
	}
	if v, ok := envDuration("UXBIBLIO_BRIDGE_COMPLETION_DELAY"); ok {
		cfg.Bridge.CompletionDelay = v
	}
	if v, ok := envDuration("UXBIBLIO_BRIDGE_POLL_INTERVAL"); ok {
		cfg.Bridge.PollInterval = v
	}
	if v, ok := envDuration("UXBIBLIO_BRIDGE_SWEEP_INTERVAL"); ok {
		cfg.Bridge.SweepInterval = v
	}
	if v, ok := env("UXBIBLIO_STORAGE_PATH"); ok {
		cfg.Storage.Path = v
	}
	if v, ok := env("UXBIBLIO_STORAGE_IN_MEMORY"); ok {
		cfg.Storage.InMemory = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := env("UXBIBLIO_OTEL_ENABLED"); ok {
		cfg.Telemetry.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := env("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

func env(key string) (string, bool) {
	// Trim quotes and whitespace in case the container runtime passes
	// them literally.
	v := strings.Trim(os.Getenv(key), "\"' ")
	return v, v != ""
}

func envInt(key string) (int, bool) {
	raw, ok := env(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(key string) (time.Duration, bool) {
	raw, ok := env(key)
	if !ok {
		return 0, false
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
