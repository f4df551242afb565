package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/mailpulse/mailpulse/errors"
)

// Defaults returns a Config populated only from SetDefaults
func Defaults() (*Config, error) {
	v := newViper()
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal defaults")
	}
	return &config, nil
}

// WriteConfig writes config as TOML to path, creating parent directories.
// An existing file is kept as path.back1 and the write is marked as our own
// so a running watcher does not reload on it.
func WriteConfig(path string, config *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if content, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".back1", content, SecretFilePermissions); err != nil {
			return errors.Wrap(err, "failed to create .back1")
		}
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	// config may hold the credentials secret
	if err := os.WriteFile(path, data, SecretFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
