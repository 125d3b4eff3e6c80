// Package config loads engine configuration from a platform-native backend
// with environment-variable overrides and a platform secret store for the
// provider API key.
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Ingest   IngestConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// Token is the bearer token every API request must present.
	Token string
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	// EmbedModel is the fallback embedding model for tables whose embed
	// column does not name one.
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	// PollInterval is the embedding worker's queue poll cadence, as a
	// duration string.
	PollInterval string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4800,
			MCPPort: 4801,
		},
		Provider: ProviderConfig{
			BaseURL:    "https://openrouter.ai/api/v1",
			EmbedModel: "openai/text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
			PollInterval: "2s",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.gentable.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/gentable/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (GENTABLE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretReader{})
}

// secretStore abstracts platform secret access for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, sec secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for secrets still empty.
	if cfg.Provider.APIKey == "" {
		if key, err := sec.Get("gentable", "api_key"); err == nil && key != "" {
			cfg.Provider.APIKey = key
		}
	}
	if cfg.Server.Token == "" {
		if tok, err := sec.Get("gentable", "server_token"); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}

	if cfg.Provider.APIKey == "" {
		msg := "missing required config: provider API key. " +
			"Set it via environment variable GENTABLE_PROVIDER_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}
	if cfg.Server.Token == "" {
		return Config{}, fmt.Errorf("missing required config: server token. Set it via environment variable GENTABLE_SERVER_TOKEN")
	}

	return cfg, nil
}

// secretReader reads from the platform secret store.
type secretReader struct{}

func (secretReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
