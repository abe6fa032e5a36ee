package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// EndpointConfig is one weighted Inference Host endpoint the Distributed
// Client fans predict batches out across, per spec.md §4.5.
type EndpointConfig struct {
	URL    string  `toml:"url"`
	Weight float64 `toml:"weight"`
}

// AppConfig is cmd/panoptikon's own daemon configuration: where the index
// databases and per-index cron settings live, which model config
// directories the Config Registry reads, and which Inference Host
// endpoints the Distributed Client talks to. This is distinct from both the
// Config Registry's per-model TOML files (§6.2) and the Cron Scheduler's
// per-index settings file (internal/cron.TOMLSettingsSource) — it is the
// one file that ties a running panoptikon process together.
type AppConfig struct {
	ListenAddr          string           `toml:"listen_addr"`
	DataDir             string           `toml:"data_dir"`
	ConfigDir           string           `toml:"config_dir"`
	UserConfigDir       string           `toml:"user_config_dir"`
	Indexes             []string         `toml:"indexes"`
	CronIntervalSeconds int              `toml:"cron_interval_seconds"`
	InferenceEndpoints  []EndpointConfig `toml:"inference_endpoints"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		ListenAddr:          ":8080",
		DataDir:             "./data",
		ConfigDir:           "./config",
		Indexes:             []string{"main"},
		CronIntervalSeconds: 30,
		InferenceEndpoints:  []EndpointConfig{{URL: "http://localhost:9090", Weight: 1}},
	}
}

// loadAppConfig reads path, falling back to defaultAppConfig() verbatim if
// the file does not exist (a fresh checkout should run with no config file
// at all, same spirit as the Cron Scheduler's per-index settings source).
func loadAppConfig(path string) (AppConfig, error) {
	cfg := defaultAppConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
