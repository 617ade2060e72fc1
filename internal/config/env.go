package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bytedance/gg/gconv"
)

// Environment variables read by the kernel. The YAML file never overrides
// these; they are operational knobs, not user preferences.
const (
	EnvSchedulerEnabled  = "OTTO_SCHEDULER_ENABLED"
	EnvSchedulerTickMs   = "OTTO_SCHEDULER_TICK_MS"
	EnvSchedulerBatch    = "OTTO_SCHEDULER_BATCH_SIZE"
	EnvSchedulerLeaseMs  = "OTTO_SCHEDULER_LOCK_LEASE_MS"
	EnvInternalAPIHost   = "OTTO_INTERNAL_API_HOST"
	EnvInternalAPIPort   = "OTTO_INTERNAL_API_PORT"
	EnvTelegramAllowedID = "TELEGRAM_ALLOWED_USER_ID"
)

// SchedulerConfig is the kernel's tick/claim configuration.
type SchedulerConfig struct {
	Enabled     bool
	TickMs      int64
	BatchSize   int
	LockLeaseMs int64
}

// ResolveSchedulerConfig reads and validates the OTTO_SCHEDULER_* variables.
// Invalid values are startup errors, not silently-corrected defaults.
func ResolveSchedulerConfig() (SchedulerConfig, error) {
	cfg := SchedulerConfig{
		Enabled:     os.Getenv(EnvSchedulerEnabled) != "0",
		TickMs:      60_000,
		BatchSize:   20,
		LockLeaseMs: 90_000,
	}

	if raw := strings.TrimSpace(os.Getenv(EnvSchedulerTickMs)); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvSchedulerTickMs, err)
		}
		cfg.TickMs = v
	}
	if cfg.TickMs < 1000 {
		return cfg, fmt.Errorf("%s must be >= 1000, got %d", EnvSchedulerTickMs, cfg.TickMs)
	}

	if raw := strings.TrimSpace(os.Getenv(EnvSchedulerBatch)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvSchedulerBatch, err)
		}
		cfg.BatchSize = v
	}
	if cfg.BatchSize < 1 {
		return cfg, fmt.Errorf("%s must be >= 1, got %d", EnvSchedulerBatch, cfg.BatchSize)
	}

	if raw := strings.TrimSpace(os.Getenv(EnvSchedulerLeaseMs)); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvSchedulerLeaseMs, err)
		}
		cfg.LockLeaseMs = v
	}
	if cfg.LockLeaseMs < cfg.TickMs {
		return cfg, fmt.Errorf("%s must be >= tick interval (%dms), got %d",
			EnvSchedulerLeaseMs, cfg.TickMs, cfg.LockLeaseMs)
	}

	return cfg, nil
}

// InternalAPIConfig is the control-plane bind address.
type InternalAPIConfig struct {
	Host string
	Port int
}

// ResolveInternalAPIConfig reads the bind host/port. Only loopback hosts are
// accepted; the control plane must never be reachable off-box.
func ResolveInternalAPIConfig() (InternalAPIConfig, error) {
	cfg := InternalAPIConfig{Host: "127.0.0.1", Port: 4180}

	if raw := strings.TrimSpace(os.Getenv(EnvInternalAPIHost)); raw != "" {
		cfg.Host = raw
	}
	if cfg.Host != "127.0.0.1" && cfg.Host != "localhost" {
		return cfg, fmt.Errorf("%s must be 127.0.0.1 or localhost, got %q", EnvInternalAPIHost, cfg.Host)
	}

	if raw := strings.TrimSpace(os.Getenv(EnvInternalAPIPort)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvInternalAPIPort, err)
		}
		cfg.Port = v
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("%s must be in 1..65535, got %d", EnvInternalAPIPort, cfg.Port)
	}

	return cfg, nil
}

// DefaultChatID returns the fallback chat id for outbound resolution,
// or 0 when unset.
func DefaultChatID() int64 {
	raw := strings.TrimSpace(os.Getenv(EnvTelegramAllowedID))
	if raw == "" {
		return 0
	}
	return gconv.To[int64](raw)
}
