// Package config loads the runtime's environment-driven configuration
// knobs. Grounded on fracturing.space's internal/platform/config, which
// wraps caarlos0/env the same way: parse into a plain struct tagged
// with `env`/`envDefault`.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// Runtime is every env-configurable knob the host wires at startup:
// the event store adapter, DCB retry, and durable executor settings.
type Runtime struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	EventStore dcb.EventStoreConfig
	DCBRetry   dcb.RetryConfig
	Durable    dcb.DurableExecutorConfig
}

// Load parses environment variables into a Runtime, applying the
// package's envDefault tags for anything unset.
func Load() (Runtime, error) {
	var cfg Runtime
	if err := env.Parse(&cfg); err != nil {
		return Runtime{}, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.EventStore.DefaultAppendIsolation = dcb.IsolationLevelSerializable
	return cfg, nil
}
