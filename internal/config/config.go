// Package config defines the runtime configuration for ashbyd.
//
// Every field has a sensible default and maps to exactly one CLI flag with an
// ASHBY_* environment variable override — the flag wiring lives in cmd/ashbyd.
// Components receive the subset of fields they need at construction time;
// nothing reads configuration after startup.
package config

import (
	"fmt"
	"time"
)

// Config holds all tunables for the orchestrator. The zero value is not
// usable — start from Default() and override.
type Config struct {
	// HTTPPort is the port the control API listens on.
	HTTPPort int

	// DaemonEnabled controls whether the variety monitor starts in the
	// scanning state. When false the monitor sits idle until enabled via
	// the API.
	DaemonEnabled bool

	// DaemonInterval is the variety monitor tick interval.
	DaemonInterval time.Duration

	// RouterRefresh is the capability router's periodic full-refresh interval.
	RouterRefresh time.Duration

	// SpawnHandshake bounds the JSON-RPC initialize exchange after a child
	// process starts. A child that does not complete the handshake within
	// this window is terminated and the spawn fails.
	SpawnHandshake time.Duration

	// CallTimeout is the default per-request JSON-RPC timeout, used when the
	// caller does not supply one.
	CallTimeout time.Duration

	// RestartMaxAttempts caps child restarts within RestartWindow. When the
	// cap is hit the server record goes to the failed state and stays there.
	RestartMaxAttempts int

	// RestartWindow is the rolling window for RestartMaxAttempts.
	RestartWindow time.Duration

	// InstallTimeout bounds a package-manager install run.
	InstallTimeout time.Duration

	// AcquisitionWait bounds how long the coordinator waits for the router
	// to expose a capability after a successful spawn.
	AcquisitionWait time.Duration

	// AcquisitionConcurrency caps parallel acquisitions dispatched per
	// monitor tick.
	AcquisitionConcurrency int

	// InstallDir is where discovered packages are installed. The package
	// manager owns this directory's layout; ashbyd only resolves binary
	// shims out of it.
	InstallDir string

	// RegistryEndpoints are the package-registry search endpoints queried by
	// discovery, in priority order.
	RegistryEndpoints []string

	// MaxChildMemoryBytes is a best-effort per-child RSS cap. Zero disables
	// the check.
	MaxChildMemoryBytes uint64

	// MaxChildCPUPct is a best-effort per-child CPU cap in percent of one
	// core. Zero disables the check.
	MaxChildCPUPct float64

	// ShutdownGrace bounds graceful shutdown before escalating to immediate
	// termination.
	ShutdownGrace time.Duration

	// LogLevel is the zap level string (debug, info, warn, error).
	LogLevel string
}

// Default returns the baseline configuration, matching the defaults of the
// corresponding ashbyd flags.
func Default() Config {
	return Config{
		HTTPPort:               4000,
		DaemonEnabled:          true,
		DaemonInterval:         30 * time.Second,
		RouterRefresh:          5 * time.Second,
		SpawnHandshake:         10 * time.Second,
		CallTimeout:            30 * time.Second,
		RestartMaxAttempts:     5,
		RestartWindow:          60 * time.Second,
		InstallTimeout:         120 * time.Second,
		AcquisitionWait:        15 * time.Second,
		AcquisitionConcurrency: 3,
		InstallDir:             "./packages",
		RegistryEndpoints:      []string{"https://registry.npmjs.org"},
		ShutdownGrace:          10 * time.Second,
		LogLevel:               "info",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures. Returns the first violation found.
func (c Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: http port %d out of range", c.HTTPPort)
	}
	if c.DaemonInterval <= 0 {
		return fmt.Errorf("config: daemon interval must be positive, got %s", c.DaemonInterval)
	}
	if c.RouterRefresh <= 0 {
		return fmt.Errorf("config: router refresh must be positive, got %s", c.RouterRefresh)
	}
	if c.SpawnHandshake <= 0 {
		return fmt.Errorf("config: spawn handshake deadline must be positive, got %s", c.SpawnHandshake)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("config: default call timeout must be positive, got %s", c.CallTimeout)
	}
	if c.RestartMaxAttempts < 0 {
		return fmt.Errorf("config: restart max attempts must not be negative, got %d", c.RestartMaxAttempts)
	}
	if c.AcquisitionConcurrency <= 0 {
		return fmt.Errorf("config: acquisition concurrency must be positive, got %d", c.AcquisitionConcurrency)
	}
	if c.InstallDir == "" {
		return fmt.Errorf("config: install dir is required")
	}
	if len(c.RegistryEndpoints) == 0 {
		return fmt.Errorf("config: at least one registry endpoint is required")
	}
	return nil
}
