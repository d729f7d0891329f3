package config

import (
	"github.com/caarlos0/env/v6"
)

// EnvOverrides are process-environment settings applied on top of the file.
// Streaming debug and beta-header overrides are read at use sites; these are
// the startup-time ones.
type EnvOverrides struct {
	ConfigPath string `env:"CC_GW_CONFIG"`
	Addr       string `env:"CC_GW_ADDR"`
	LogLevel   string `env:"CC_GW_LOG_LEVEL"`
	StorePath  string `env:"CC_GW_STORE_PATH"`
	KeysPath   string `env:"CC_GW_KEYS_PATH"`
}

// LoadEnv parses CC_GW_* environment variables.
func LoadEnv() (EnvOverrides, error) {
	var e EnvOverrides
	if err := env.Parse(&e); err != nil {
		return EnvOverrides{}, err
	}
	return e, nil
}

// Apply merges non-empty overrides into the snapshot.
func (e EnvOverrides) Apply(s *Snapshot) {
	if e.Addr != "" {
		s.Server.Addr = e.Addr
	}
	if e.LogLevel != "" {
		s.Server.LogLevel = e.LogLevel
	}
	if e.StorePath != "" {
		s.Store.Path = e.StorePath
	}
	if e.KeysPath != "" {
		s.Keys.Path = e.KeysPath
	}
}
