// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the gateway configuration: built-in defaults, an
// optional YAML file, and environment overrides, in that order.
package config

import "time"

// Startup policies.
const (
	// StartupPrewarm waits for the backend in the background and creates the
	// default context before the first request needs it.
	StartupPrewarm = "prewarm"

	// StartupLazy creates the default context on the first request.
	StartupLazy = "lazy"
)

// Tracing exporters.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Jupyter   JupyterConfig   `yaml:"jupyter"`
	Contexts  ContextsConfig  `yaml:"contexts"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Startup   StartupConfig   `yaml:"startup"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	AccessToken     string        `yaml:"access_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// JupyterConfig locates the execution backend.
//
// Kernels maps a normalized language to a kernelspec name. Languages not
// listed use their own name as the kernelspec.
type JupyterConfig struct {
	BaseURL string            `yaml:"base_url" validate:"required,url"`
	Token   string            `yaml:"token"`
	Kernels map[string]string `yaml:"kernels"`
}

// ContextsConfig holds the defaults applied to new contexts.
type ContextsConfig struct {
	DefaultLanguage string `yaml:"default_language" validate:"required"`
	DefaultCWD      string `yaml:"default_cwd" validate:"required,startswith=/"`
}

// ReadinessConfig bounds how long the gateway waits for the backend.
//
// StartupAttempts bounds the background pre-warm; RequestTimeout bounds the
// inline wait performed when a request needs a default context.
type ReadinessConfig struct {
	Interval        time.Duration `yaml:"interval" validate:"gt=0"`
	PollTimeout     time.Duration `yaml:"poll_timeout" validate:"gt=0"`
	StartupAttempts int           `yaml:"startup_attempts" validate:"gte=1"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
}

// StartupConfig selects how the default context is first created.
type StartupConfig struct {
	Policy string `yaml:"policy" validate:"oneof=prewarm lazy"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Dir    string `yaml:"dir"`
}

// TracingConfig selects the OpenTelemetry span exporter.
type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() GatewayConfig {
	return GatewayConfig{
		Server: ServerConfig{
			Port:            49999,
			ShutdownTimeout: 15 * time.Second,
		},
		Jupyter: JupyterConfig{
			BaseURL: "http://localhost:8888",
			Kernels: map[string]string{},
		},
		Contexts: ContextsConfig{
			DefaultLanguage: "python",
			DefaultCWD:      "/app",
		},
		Readiness: ReadinessConfig{
			Interval:        time.Second,
			PollTimeout:     2 * time.Second,
			StartupAttempts: 60,
			RequestTimeout:  10 * time.Second,
		},
		Startup: StartupConfig{Policy: StartupPrewarm},
		Logging: LoggingConfig{Level: "info"},
		Tracing: TracingConfig{Exporter: TracingNone},
	}
}
