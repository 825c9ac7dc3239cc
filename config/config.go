// Package config loads this runtime's settings via
// github.com/spf13/viper, grounded on pushchain-push-chain-node's
// cobra+viper CLI/config stack (the retrieved corpus's closest match to
// a validator-node service configuration surface).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime's full configuration surface.
type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ValidatorSetFile  string        `mapstructure:"validator_set_file"`
	KeystoreDir       string        `mapstructure:"keystore_dir"`
	SetupTimeout      time.Duration `mapstructure:"setup_timeout"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	SigningKeySeedHex string        `mapstructure:"signing_key_seed"`
	StaticKeySeedHex  string        `mapstructure:"static_key_seed"`
}

// Defaults are applied before any config file or environment override.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("validator_set_file", "validators.json")
	v.SetDefault("keystore_dir", "./keystore")
	v.SetDefault("setup_timeout", 10*time.Second)
	v.SetDefault("session_timeout", 2*time.Minute)
}

// Load reads configuration from defaults, the file at path (if
// non-empty), and environment variables prefixed TSSD_, in increasing
// precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("tssd")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
