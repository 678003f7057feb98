// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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

var configValidate = validator.New()

// Load builds the effective configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path (skipped when
// path is empty), applies environment overrides, and validates the result.
//
// # Inputs
//
//   - path: Optional YAML file path.
//
// # Outputs
//
//   - GatewayConfig: Effective configuration.
//   - error: Non-nil if the file cannot be read or parsed, an environment
//     value is malformed, or validation fails.
//
// # Examples
//
//	cfg, err := config.Load(os.Getenv("CODEGATE_CONFIG"))
//	if err != nil {
//	    log.Fatalf("config: %v", err)
//	}
func Load(path string) (GatewayConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c GatewayConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// KernelName returns the kernelspec used for a normalized language.
func (c JupyterConfig) KernelName(language string) string {
	if name, ok := c.Kernels[language]; ok && name != "" {
		return name
	}
	return language
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables. The JUPYTER_BASE_URL and
// OTEL_EXPORTER_OTLP_ENDPOINT names are shared with the rest of the stack.
func applyEnv(cfg *GatewayConfig, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.Trim(v, "\"' ")
		}
	}

	str("JUPYTER_BASE_URL", &cfg.Jupyter.BaseURL)
	str("JUPYTER_TOKEN", &cfg.Jupyter.Token)
	str("CODEGATE_ACCESS_TOKEN", &cfg.Server.AccessToken)
	str("CODEGATE_DEFAULT_CWD", &cfg.Contexts.DefaultCWD)
	str("CODEGATE_DEFAULT_LANGUAGE", &cfg.Contexts.DefaultLanguage)
	str("CODEGATE_STARTUP_POLICY", &cfg.Startup.Policy)
	str("CODEGATE_LOG_LEVEL", &cfg.Logging.Level)

	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Tracing.Endpoint = v
		if cfg.Tracing.Exporter == TracingNone {
			cfg.Tracing.Exporter = TracingOTLP
		}
	}

	if v, ok := lookup("CODEGATE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CODEGATE_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v, ok := lookup("CODEGATE_READINESS_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CODEGATE_READINESS_TIMEOUT: %w", err)
		}
		cfg.Readiness.RequestTimeout = d
	}
	return nil
}
