package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// policyshield.yaml/.yml. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found anywhere. Set name/type without search
		// paths so ReadInConfig returns ConfigFileNotFoundError, which
		// callers treat as env-only mode.
		viper.SetConfigName("policyshield")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POLICYSHIELD_SERVER_PORT etc.
	viper.SetEnvPrefix("POLICYSHIELD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a policyshield config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".policyshield"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "policyshield"))
		}
	} else {
		paths = append(paths, "/etc/policyshield")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for policyshield.yaml
// or .yml and returns the first match, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policyshield"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds config keys for environment variable support.
// A few documented variables keep their short historical names instead of
// the derived POLICYSHIELD_<SECTION>_<FIELD> form.
func bindNestedEnvKeys() {
	// Documented short forms.
	_ = viper.BindEnv("auth.token", "POLICYSHIELD_API_TOKEN")
	_ = viper.BindEnv("mode", "POLICYSHIELD_MODE")
	_ = viper.BindEnv("telegram.token", "POLICYSHIELD_TELEGRAM_TOKEN")
	_ = viper.BindEnv("telegram.chat_id", "POLICYSHIELD_TELEGRAM_CHAT_ID")

	// Server config
	_ = viper.BindEnv("server.host")
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("server.read_timeout")
	_ = viper.BindEnv("server.write_timeout")
	_ = viper.BindEnv("server.shutdown_timeout")

	// Rules config
	_ = viper.BindEnv("rules.path")
	_ = viper.BindEnv("rules.watch")

	_ = viper.BindEnv("fail_mode")

	// Auth config
	_ = viper.BindEnv("auth.token_hash")

	// Session / approval config
	_ = viper.BindEnv("session.ttl")
	_ = viper.BindEnv("session.ring_capacity")
	_ = viper.BindEnv("approval.max_age")

	// Trace config
	_ = viper.BindEnv("trace.path")
	_ = viper.BindEnv("trace.db_path")
	_ = viper.BindEnv("trace.buffer_size")
	_ = viper.BindEnv("trace.flush_interval")

	// Post-check config
	_ = viper.BindEnv("post_check.max_result_bytes")

	// Telemetry config
	_ = viper.BindEnv("telemetry.enabled")
	_ = viper.BindEnv("telemetry.exporter")
	_ = viper.BindEnv("telemetry.metrics")

	// Log config
	_ = viper.BindEnv("log.level")
}

// LoadConfigRaw reads the configuration file and applies environment
// overrides and defaults without validating. The CLI uses it so flag
// overrides can land before validation runs. A missing config file is not
// an error; the defaults plus environment carry a full configuration.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// LoadConfig is LoadConfigRaw plus validation.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or ""
// in env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
