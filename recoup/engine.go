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

// Package recoup recovers value from coins whose denomination the
// exchange revoked: withdrawn coins flow back into their reserve,
// refreshed coins credit their ancestor coin.
package recoup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/refresh"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

// Engine runs recoup processing. Stateless; groups carry all state.
type Engine struct {
	store    storage.Store
	provider crypto.Provider
	client   *exchange.Client
	notifier *notify.Notifier
	log      *slog.Logger
}

func NewEngine(store storage.Store, provider crypto.Provider, client *exchange.Client, notifier *notify.Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:    store,
		provider: provider,
		client:   client,
		notifier: notifier,
		log:      log,
	}
}

// ProcessGroup recoups every outstanding coin of a group. Coins fail and
// finish independently; the group finishes once every coin is resolved,
// and the ancestor coins whose balance changed get one refresh group.
func (e *Engine) ProcessGroup(ctx context.Context, groupID string) error {
	var group *walletdb.RecoupGroup
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		group, err = walletdb.GetRecoupGroup(tx, groupID)
		return err
	})
	if err != nil {
		return err
	}
	if group.TimestampFinished != nil {
		return nil
	}

	var firstTransient error
	for i := range group.CoinPubs {
		if group.FinishedPerCoin[i] {
			continue
		}
		err := e.recoupCoin(ctx, group, i)
		if err == nil {
			continue
		}
		var reqErr *exchange.RequestError
		if errors.As(err, &reqErr) && reqErr.Permanent() {
			e.log.WarnContext(ctx, "coin recoup permanently rejected",
				"recoupGroupId", groupID, "coinPub", group.CoinPubs[i], "status", reqErr.HTTPStatus)
			if markErr := e.markCoinFinished(ctx, groupID, i, reqErr); markErr != nil {
				return markErr
			}
			continue
		}
		if firstTransient == nil {
			firstTransient = err
		}
	}
	if firstTransient != nil {
		return e.recordRetry(ctx, groupID, firstTransient)
	}
	return e.finishGroup(ctx, groupID)
}

// recoupCoin recovers one coin. Tip coins cannot prove a withdrawal, so
// they are suspended and written off instead of recouped.
func (e *Engine) recoupCoin(ctx context.Context, group *walletdb.RecoupGroup, index int) error {
	coinPub := group.CoinPubs[index]
	var coin *walletdb.Coin
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		coin, err = walletdb.GetCoin(tx, coinPub)
		return err
	})
	if err != nil {
		return err
	}

	if coin.Source.Type == walletdb.CoinSourceTip {
		return e.store.Update(ctx, func(tx storage.Tx) error {
			c, err := walletdb.GetCoin(tx, coinPub)
			if err != nil {
				return err
			}
			c.Suspended = true
			if err := walletdb.PutCoin(tx, c); err != nil {
				return err
			}
			g, err := walletdb.GetRecoupGroup(tx, group.ID)
			if err != nil {
				return err
			}
			g.FinishedPerCoin[index] = true
			return walletdb.PutRecoupGroup(tx, g)
		})
	}

	coinSig, err := e.provider.SignCoin(coin.CoinPriv, crypto.PurposeRecoup,
		recoupSigMessage(coin.DenomPubHash, coinPub))
	if err != nil {
		return err
	}
	resp, err := e.client.Recoup(ctx, coin.ExchangeBaseURL, coinPub, &exchange.RecoupRequest{
		DenomPubHash: coin.DenomPubHash,
		DenomSig:     coin.DenomSig,
		CoinSig:      coinSig,
		Refreshed:    coin.Source.Type == walletdb.CoinSourceRefresh,
	})
	if err != nil {
		return err
	}

	err = e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRecoupGroup(tx, group.ID)
		if err != nil {
			return err
		}
		if g.FinishedPerCoin[index] {
			return nil
		}

		switch {
		case resp.ReservePub != "":
			if err := e.creditReserve(ctx, tx, resp.ReservePub); err != nil {
				return err
			}
		case resp.OldCoinPub != "":
			if err := creditAncestor(tx, g, index, resp.OldCoinPub); err != nil {
				return err
			}
		}

		g.FinishedPerCoin[index] = true
		g.LastError = nil
		return walletdb.PutRecoupGroup(tx, g)
	})
	if err != nil {
		return err
	}

	e.log.InfoContext(ctx, "coin recouped",
		"recoupGroupId", group.ID, "coinPub", coinPub,
		"reservePub", resp.ReservePub, "oldCoinPub", resp.OldCoinPub)
	return nil
}

// creditReserve flags the funding reserve for a status query; the
// withdrawal engine then turns the recouped balance into fresh coins.
func (e *Engine) creditReserve(ctx context.Context, tx storage.Tx, reservePub string) error {
	r, err := walletdb.GetReserve(tx, reservePub)
	if errors.Is(err, storage.ErrNotFound) {
		// The exchange credited a reserve this wallet no longer tracks.
		e.log.WarnContext(ctx, "recoup credited unknown reserve", "reservePub", reservePub)
		return nil
	}
	if err != nil {
		return err
	}
	r.RequestedQuery = true
	return walletdb.PutReserve(tx, r)
}

// creditAncestor moves the recouped value onto the coin the revoked coin
// was refreshed from and schedules that coin for refresh.
func creditAncestor(tx storage.Tx, g *walletdb.RecoupGroup, index int, oldCoinPub string) error {
	old, err := walletdb.GetCoin(tx, oldCoinPub)
	if err != nil {
		return fmt.Errorf("recoup ancestor %s: %w", oldCoinPub, err)
	}
	if old.CurrentAmount, err = amount.Add(old.CurrentAmount, g.OldAmountPerCoin[index]); err != nil {
		return err
	}
	if err := walletdb.PutCoin(tx, old); err != nil {
		return err
	}
	if !slices.Contains(g.ScheduleRefreshCoins, oldCoinPub) {
		g.ScheduleRefreshCoins = append(g.ScheduleRefreshCoins, oldCoinPub)
	}
	return nil
}

// finishGroup stamps the group once every coin is resolved and opens the
// refresh group for the credited ancestors in the same transaction.
func (e *Engine) finishGroup(ctx context.Context, groupID string) error {
	finished := false
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRecoupGroup(tx, groupID)
		if err != nil {
			return err
		}
		if g.TimestampFinished != nil {
			return nil
		}
		for _, done := range g.FinishedPerCoin {
			if !done {
				return nil
			}
		}
		if len(g.ScheduleRefreshCoins) > 0 {
			if _, err := refresh.CreateGroup(tx, g.ScheduleRefreshCoins, walletdb.RefreshReasonRecoup); err != nil {
				return err
			}
		}
		now := time.Now()
		g.TimestampFinished = &now
		g.Retry.Reset()
		finished = true
		return walletdb.PutRecoupGroup(tx, g)
	})
	if err != nil {
		return err
	}
	if finished {
		e.log.InfoContext(ctx, "recoup group finished", "recoupGroupId", groupID)
		e.notifier.Publish(notify.Event{Type: notify.EventRecoupGroupFinished, RecoupGroupID: groupID})
	}
	return nil
}

func (e *Engine) markCoinFinished(ctx context.Context, groupID string, index int, reqErr *exchange.RequestError) error {
	return e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRecoupGroup(tx, groupID)
		if err != nil {
			return err
		}
		g.FinishedPerCoin[index] = true
		g.LastError = &walletdb.ErrorDetail{Code: reqErr.Code, Hint: reqErr.Hint, Message: reqErr.Error()}
		return walletdb.PutRecoupGroup(tx, g)
	})
}

func (e *Engine) recordRetry(ctx context.Context, groupID string, cause error) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRecoupGroup(tx, groupID)
		if err != nil {
			return err
		}
		g.Retry.Increment()
		g.LastError = &walletdb.ErrorDetail{Message: cause.Error()}
		return walletdb.PutRecoupGroup(tx, g)
	})
	if err != nil {
		return err
	}
	return cause
}

func recoupSigMessage(denomPubHash, coinPub string) []byte {
	return []byte(denomPubHash + "\x00" + coinPub)
}
