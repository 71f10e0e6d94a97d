// Copyright 2025 Joseph Cumines

// Package config provides configuration loading for the control-plane
// server, including environment variable parsing and default values.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds the configuration for the server, loaded from environment
// variables. All fields have sensible defaults via the Load function.
type Config struct {
	// ListenAddress is the gRPC server bind address (env: GRPC_LISTEN_ADDRESS, default: 0.0.0.0)
	ListenAddress string
	// Port is the gRPC server bind port (env: GRPC_PORT, default: 50051)
	Port int
	// SocketPath is an alternative Unix domain socket path (env: MACOS_USE_SERVER_SOCKET, optional)
	SocketPath string
	// AXCallTimeout bounds a single accessibility attribute/action call (env: MACOS_USE_AX_TIMEOUT, default: 300ms)
	AXCallTimeout time.Duration
	// PollUntilTimeout bounds minimize/restore poll-until loops (env: MACOS_USE_POLL_TIMEOUT, default: 2s)
	PollUntilTimeout time.Duration
	// PollInterval is the step between poll-until reads (env: MACOS_USE_POLL_INTERVAL, default: 50ms)
	PollInterval time.Duration
	// MinObservationInterval is the floor clamp for observation poll intervals (env: MACOS_USE_MIN_OBSERVATION_INTERVAL, default: 100ms)
	MinObservationInterval time.Duration
	// AXWorkerPoolSize bounds concurrent in-flight accessibility calls (env: MACOS_USE_AX_WORKERS, default: 8)
	AXWorkerPoolSize int
	// ElementCacheTTL is the idle eviction window for cached element handles (env: MACOS_USE_ELEMENT_CACHE_TTL, default: 60s)
	ElementCacheTTL time.Duration
	// Debug enables verbose structured logging (env: MACOS_USE_DEBUG, default: false)
	Debug bool
}

// Load loads the configuration from environment variables.
func Load() (*Config, error) {
	port, err := getEnvAsInt("GRPC_PORT", 50051)
	if err != nil {
		return nil, err
	}

	axTimeout, err := getEnvAsDuration("MACOS_USE_AX_TIMEOUT", 300*time.Millisecond)
	if err != nil {
		return nil, err
	}

	pollTimeout, err := getEnvAsDuration("MACOS_USE_POLL_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}

	pollInterval, err := getEnvAsDuration("MACOS_USE_POLL_INTERVAL", 50*time.Millisecond)
	if err != nil {
		return nil, err
	}

	minObservationInterval, err := getEnvAsDuration("MACOS_USE_MIN_OBSERVATION_INTERVAL", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}

	axWorkers, err := getEnvAsInt("MACOS_USE_AX_WORKERS", 8)
	if err != nil {
		return nil, err
	}

	elementCacheTTL, err := getEnvAsDuration("MACOS_USE_ELEMENT_CACHE_TTL", 60*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:          getEnv("GRPC_LISTEN_ADDRESS", "0.0.0.0"),
		Port:                   port,
		SocketPath:             os.Getenv("MACOS_USE_SERVER_SOCKET"),
		AXCallTimeout:          axTimeout,
		PollUntilTimeout:       pollTimeout,
		PollInterval:           pollInterval,
		MinObservationInterval: minObservationInterval,
		AXWorkerPoolSize:       axWorkers,
		ElementCacheTTL:        elementCacheTTL,
		Debug:                  getEnvAsBool("MACOS_USE_DEBUG", false),
	}

	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("listen address cannot be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.AXWorkerPoolSize <= 0 {
		return nil, fmt.Errorf("ax worker pool size must be positive, got %d", cfg.AXWorkerPoolSize)
	}
	if cfg.MinObservationInterval < 100*time.Millisecond {
		return nil, fmt.Errorf("minimum observation interval must be at least 100ms, got %s", cfg.MinObservationInterval)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	var result int
	_, err := fmt.Sscanf(value, "%d", &result)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q (expected integer)", key, value)
	}
	return result, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q (expected duration, e.g., '30s', '5m')", key, value)
	}
	return d, nil
}
