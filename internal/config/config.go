package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Engine   EngineConfig
	Recovery RecoveryConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	// Token guards the HTTP API. Empty disables authentication.
	Token string
}

type StorageConfig struct {
	DataDir string
}

type EngineConfig struct {
	// StepTimeout and ActionTimeout are duration strings ("60s", "2m").
	StepTimeout       string
	ActionTimeout     string
	MaxConcurrentRuns int
}

type RecoveryConfig struct {
	VectorThreshold float64
	VectorTopK      int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			StepTimeout:       "60s",
			ActionTimeout:     "15s",
			MaxConcurrentRuns: 4,
		},
		Recovery: RecoveryConfig{
			VectorThreshold: 0.8,
			VectorTopK:      3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// StepTimeoutDuration parses the configured step timeout, falling back to
// 60s on malformed values.
func (e EngineConfig) StepTimeoutDuration() time.Duration {
	return parseDuration(e.StepTimeout, 60*time.Second)
}

// ActionTimeoutDuration parses the configured remediation action timeout,
// falling back to 15s on malformed values.
func (e EngineConfig) ActionTimeoutDuration() time.Duration {
	return parseDuration(e.ActionTimeout, 15*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.remedy.app) and the API
// token falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/remedy/config.json.
//
// A .env file in the working directory is loaded first if present;
// environment variables (REMEDY_*) override backend values on all platforms.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts the platform secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The token is optional: without one the API runs unauthenticated.
	if cfg.Server.Token == "" {
		if tok, err := kc.Get("remedy", "server_token"); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
