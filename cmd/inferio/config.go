package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// AppConfig is cmd/inferio's daemon configuration: where the Config
// Registry's model group files live and which address to serve the
// inference HTTP surface (§6.1) on. Distinct from cmd/panoptikon's
// AppConfig, which additionally tracks index databases and where to reach
// this very server as a Distributed Client endpoint.
type AppConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	ConfigDir       string `toml:"config_dir"`
	UserConfigDir   string `toml:"user_config_dir"`
	TTLCheckSeconds int    `toml:"ttl_check_seconds"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		ListenAddr:      ":9090",
		ConfigDir:       "./config",
		TTLCheckSeconds: 10,
	}
}

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
