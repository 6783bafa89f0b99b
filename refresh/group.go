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

// Package refresh melts spent or partially spent coins and reveals fresh
// unlinkable ones. Creating a refresh group and zeroing the old coins is
// a single transaction other engines call into; the melt/reveal protocol
// itself runs in the background engine.
package refresh

import (
	"time"

	"github.com/google/uuid"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/denomsel"
	"github.com/coinward/coinward/retry"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

// CreateGroup opens a refresh group over the given coins inside the
// caller's transaction. Each coin's residual value becomes the group
// input, the coin itself is zeroed and set dormant, so no concurrent
// operation can spend it again. Coins whose residual value cannot cover
// even the melt fee are written off as dust and marked finished
// immediately.
//
// Returns the group id, or "" when every coin was dust and no group was
// stored.
func CreateGroup(tx storage.Tx, coinPubs []string, reason walletdb.RefreshReason) (string, error) {
	g := &walletdb.RefreshGroup{
		ID:                     uuid.NewString(),
		Reason:                 reason,
		OldCoinPubs:            coinPubs,
		InputPerCoin:           make([]amount.Amount, len(coinPubs)),
		EstimatedOutputPerCoin: make([]amount.Amount, len(coinPubs)),
		StatusPerCoin:          make([]walletdb.RefreshCoinStatus, len(coinPubs)),
		SessionPerCoin:         make([]*walletdb.RefreshSession, len(coinPubs)),
		TimestampCreated:       time.Now(),
		Retry:                  retry.NewInfo(),
	}

	anyPending := false
	for i, coinPub := range coinPubs {
		coin, err := walletdb.GetCoin(tx, coinPub)
		if err != nil {
			return "", err
		}
		denom, err := walletdb.GetDenomination(tx, coin.ExchangeBaseURL, coin.DenomPubHash)
		if err != nil {
			return "", err
		}
		denoms, err := walletdb.ListDenominations(tx, coin.ExchangeBaseURL)
		if err != nil {
			return "", err
		}

		input := coin.CurrentAmount
		g.InputPerCoin[i] = input

		cost, err := denomsel.TotalRefreshCost(denoms, denom, input, time.Now())
		if err != nil {
			return "", err
		}
		output, err := amount.Sub(input, cost)
		if err != nil {
			return "", err
		}
		g.EstimatedOutputPerCoin[i] = output
		if output.IsZero() {
			// Dust: residual value cannot be recovered, write it off.
			g.StatusPerCoin[i] = walletdb.RefreshFinished
		} else {
			g.StatusPerCoin[i] = walletdb.RefreshPending
			anyPending = true
		}

		coin.CurrentAmount = amount.Zero(input.Currency)
		coin.Status = walletdb.CoinDormant
		if err := walletdb.PutCoin(tx, coin); err != nil {
			return "", err
		}
	}

	if !anyPending {
		return "", nil
	}
	if err := walletdb.PutRefreshGroup(tx, g); err != nil {
		return "", err
	}
	return g.ID, nil
}
