// Package config provides configuration management for the coordinator.
//
// Configuration is merged from layered sources in priority order (highest
// wins):
//  1. Default values in code (lowest priority)
//  2. base.yaml - common configuration for all environments
//  3. {environment}.yaml - environment-specific overrides
//  4. local.yaml - local developer overrides, development only (gitignored)
//  5. Environment variables (highest priority)
//
// # File structure
//
//	config/
//	├── base.yaml           # Base configuration for all environments
//	├── development.yaml    # Development overrides
//	├── staging.yaml        # Staging overrides
//	├── production.yaml     # Production overrides
//	└── local.yaml          # Local overrides (gitignored)
//
// # Usage
//
//	cfg := config.MustLoad()
//	watcher, err := config.NewWatcher(cfg, "", logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	watcher.OnChange(func(t config.Tunables) {
//	    engine.Retune(t.Batch)
//	})
//
// # Hot reload
//
// The watcher re-runs the loader when a file under the config directory
// changes, validates the result, and applies only the Tunables subset
// (batching, orchestration timeouts, strategy thresholds, distribution
// fan-out, log level). Store endpoints, credentials, and the server address
// are never hot-applied; a reload that changes them logs a restart-required
// warning and keeps the running values.
//
// Invalid configuration is rejected at startup (fail fast) and on reload
// (previous configuration stays in force).
package config
