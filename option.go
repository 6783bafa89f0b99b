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
	"log/slog"
	"net/http"

	"github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/storage"
)

type Option func(w *Wallet, config *Config) error

// WithStore uses an already opened wallet database instead of opening one
// from the storage config. The wallet still closes it on Close.
func WithStore(store storage.Store) Option {
	return func(w *Wallet, _ *Config) error {
		w.store = store
		return nil
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Wallet, _ *Config) error {
		w.log = log
		return nil
	}
}

// WithHTTPClient replaces the HTTP client used for all exchange and
// merchant traffic. The config's HTTPTimeout is ignored in that case.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(w *Wallet, _ *Config) error {
		w.httpClient = httpClient
		return nil
	}
}

// WithCryptoProvider replaces the blind-signature and signing provider.
// Meant for tests.
func WithCryptoProvider(provider crypto.Provider) Option {
	return func(w *Wallet, _ *Config) error {
		w.provider = provider
		return nil
	}
}
