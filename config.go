// Copyright 2026 The Coinward Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coinward

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend enumerates the supported wallet database backends.
type StorageBackend string

const (
	// StorageGraviton keeps the wallet database in a local graviton tree.
	// This is the default.
	StorageGraviton StorageBackend = "graviton"
	// StoragePostgres keeps the wallet database in PostgreSQL.
	StoragePostgres StorageBackend = "postgres"
	// StorageMemory keeps the wallet database in memory only. Everything
	// is lost on close; meant for tests and throwaway wallets.
	StorageMemory StorageBackend = "memory"
)

// StorageConfig selects and configures the wallet database backend.
type StorageConfig struct {
	// Backend is one of "graviton", "postgres" or "memory". Empty means
	// graviton.
	Backend StorageBackend `yaml:"backend"`
	// Path is the graviton database directory.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// Config allows for configuration of wallets via YAML files.
type Config struct {
	// Currency is the only currency this wallet handles. Exchanges
	// announcing a different currency are rejected.
	Currency string `yaml:"currency"`

	// Storage configures the wallet database.
	Storage StorageConfig `yaml:"storage"`

	// ExchangeBaseURLs are exchanges whose keys are fetched on startup.
	ExchangeBaseURLs []string `yaml:"exchange_base_urls"`

	// HTTPTimeout bounds every single exchange or merchant request.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// KeysUpdateInterval is how often cached exchange keys are refreshed
	// during ProcessPending.
	KeysUpdateInterval time.Duration `yaml:"keys_update_interval"`

	// NotificationBuffer is the channel depth handed to subscribers.
	NotificationBuffer int `yaml:"notification_buffer"`
}

// DefaultConfig returns a config with all optional fields at their
// defaults. Currency must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Storage:            StorageConfig{Backend: StorageGraviton, Path: "coinward.db"},
		HTTPTimeout:        30 * time.Second,
		KeysUpdateInterval: time.Hour,
		NotificationBuffer: 64,
	}
}

// LoadConfig reads a YAML config file and fills in defaults for fields the
// file leaves unset.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Currency == "" {
		return fmt.Errorf("currency must be set")
	}
	switch c.Storage.Backend {
	case StorageGraviton, "":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path must be set for the graviton backend")
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("http_timeout must not be negative")
	}
	if c.KeysUpdateInterval < 0 {
		return fmt.Errorf("keys_update_interval must not be negative")
	}
	return nil
}
