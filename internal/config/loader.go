// Package config provides configuration loading for labgate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// labgate.yaml/.yml. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("labgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: LABGATE_SERVER_LISTEN_ADDR
	viper.SetEnvPrefix("LABGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a labgate config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".labgate"),
		"/etc/labgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "labgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Viper only maps env vars onto keys it already knows about, so
// each overridable leaf is bound explicitly.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.listen_addr")
	_ = viper.BindEnv("server.internal_addr")
	_ = viper.BindEnv("server.root_domain")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("control_plane.url")
	_ = viper.BindEnv("control_plane.timeout")
	_ = viper.BindEnv("control_plane.api_token")

	_ = viper.BindEnv("sso.authorize_url")
	_ = viper.BindEnv("sso.token_url")
	_ = viper.BindEnv("sso.userinfo_url")
	_ = viper.BindEnv("sso.client_id")
	_ = viper.BindEnv("sso.client_secret")

	_ = viper.BindEnv("auth.session_secret")
	_ = viper.BindEnv("auth.session_lifetime")
	_ = viper.BindEnv("auth.xff_depth")

	_ = viper.BindEnv("log.level")
	_ = viper.BindEnv("log.format")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads, defaults, and validates the configuration.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing file is fine: pure environment variable configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
