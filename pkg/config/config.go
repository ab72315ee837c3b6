// Package config defines the daemon's typed configuration, loaded from a
// TOML file with environment-variable overrides the way the indexer's
// internal/util.InitConfig does, then decoded into a typed struct via
// mapstructure rather than read field-by-field off the raw koanf.Koanf.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// Config is the daemon's full typed configuration tree.
type Config struct {
	Logging     Logging     `koanf:"logging"`
	Tracebus    Tracebus    `koanf:"tracebus"`
	Ledger      Ledger      `koanf:"ledger"`
	AdminHTTP   AdminHTTP   `koanf:"admin_http"`
	Metrics     Metrics     `koanf:"metrics"`
	Convergence Convergence `koanf:"convergence"`
	Devices     Devices     `koanf:"devices"`
}

// Logging configures zerolog's global level.
type Logging struct {
	Level string `koanf:"level"`
}

// Tracebus configures the NATS-backed change-tracking bus.
type Tracebus struct {
	NATSURL        string `koanf:"nats_url"`
	DialRetryLimit int    `koanf:"dial_retry_limit"`
}

// Ledger configures local and fleet-wide persistence.
type Ledger struct {
	BoltPath      string `koanf:"bolt_path"`
	PostgresDSN   string `koanf:"postgres_dsn"`
	ReportToFleet bool   `koanf:"report_to_fleet"`
}

// AdminHTTP configures the admin/status HTTP listener.
type AdminHTTP struct {
	Address string `koanf:"address"`
}

// Metrics configures the Prometheus exposition listener.
type Metrics struct {
	Address string `koanf:"address"`
}

// Convergence configures the non-convergence policy's parameters.
type Convergence struct {
	HistoryDepth int `koanf:"history_depth"`
}

// Devices maps a source device ID (blockdev.DeviceID.String()) to the
// mountpoint of the filesystem it carries, so the daemon knows which
// devices can be frozen/thawed around the synchronizer's final phase.
// A device with no entry here is synced without a freeze.
type Devices struct {
	Mountpoints map[string]string `koanf:"mountpoints"`
}

// Load reads configPath (TOML), applies environment overrides of the form
// AGENTD_SECTION_KEY (e.g. AGENTD_LOGGING_LEVEL), and decodes the result
// into a Config.
func Load(configPath string) (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", configPath, err)
	}

	const envPrefix = "AGENTD_"
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment overrides: %w", err)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "koanf",
		Result:  &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(ko.Raw()); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Tracebus.DialRetryLimit <= 0 {
		cfg.Tracebus.DialRetryLimit = 5
	}
	if cfg.Ledger.BoltPath == "" {
		cfg.Ledger.BoltPath = "agentd.db"
	}
	if cfg.AdminHTTP.Address == "" {
		cfg.AdminHTTP.Address = ":8090"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
	if cfg.Convergence.HistoryDepth <= 0 {
		cfg.Convergence.HistoryDepth = 30
	}
}
