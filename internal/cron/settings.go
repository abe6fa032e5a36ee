package cron

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// TOMLSettingsSource returns a SettingsSource reading
// "<dataDir>/configs/<indexDB>.toml" — one flat TOML document per index
// DB, the same file panoptikon/config.py's retrieve_system_config reads
// and persist_system_config writes, distinct from the Config Registry's
// per-model group files. A missing file means cron is simply disabled for
// that index, not an error (retrieve_system_config's "file absent ->
// defaults" behavior, minus the eager write-back this port has no need
// for: Settings' zero value already is "cron disabled").
func TOMLSettingsSource(dataDir string) SettingsSource {
	return func(indexDB string) (Settings, error) {
		path := filepath.Join(dataDir, "configs", indexDB+".toml")
		var s Settings
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return s, nil
		}
		_, err := toml.DecodeFile(path, &s)
		return s, err
	}
}
