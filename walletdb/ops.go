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

package walletdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/retry"
	"github.com/coinward/coinward/storage"
)

// CreateRecoupGroup snapshots the residual value of the given coins, zeroes
// them, and stores a new recoup group, all in the caller's transaction.
// Coins that no longer exist are marked finished immediately. Returns the
// new group's id.
func CreateRecoupGroup(tx storage.Tx, exchangeBaseURL string, coinPubs []string) (string, error) {
	g := &RecoupGroup{
		ID:               uuid.NewString(),
		ExchangeBaseURL:  exchangeBaseURL,
		CoinPubs:         coinPubs,
		OldAmountPerCoin: make([]amount.Amount, len(coinPubs)),
		FinishedPerCoin:  make([]bool, len(coinPubs)),
		TimestampStarted: time.Now(),
		Retry:            retry.NewInfo(),
	}
	for i, coinPub := range coinPubs {
		coin, err := GetCoin(tx, coinPub)
		if errors.Is(err, storage.ErrNotFound) {
			g.FinishedPerCoin[i] = true
			continue
		}
		if err != nil {
			return "", err
		}
		g.OldAmountPerCoin[i] = coin.CurrentAmount
		coin.CurrentAmount = amount.Zero(coin.CurrentAmount.Currency)
		if err := PutCoin(tx, coin); err != nil {
			return "", err
		}
	}
	if err := PutRecoupGroup(tx, g); err != nil {
		return "", err
	}
	return g.ID, nil
}

// MarkDenominationRevoked flags a denomination as revoked and reports
// whether this call changed anything. Idempotent; the caller decides
// whether affected coins go into a recoup group.
func MarkDenominationRevoked(tx storage.Tx, exchangeBaseURL, denomPubHash string) (bool, error) {
	d, err := GetDenomination(tx, exchangeBaseURL, denomPubHash)
	if err != nil {
		return false, fmt.Errorf("failed to load denomination %s: %w", denomPubHash, err)
	}
	if d.IsRevoked {
		return false, nil
	}
	d.IsRevoked = true
	if err := PutDenomination(tx, d); err != nil {
		return false, err
	}
	return true, nil
}
