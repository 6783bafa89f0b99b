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

package refresh

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ccoveille/go-safecast"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/denomsel"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

// kappa is the cut-and-choose factor of the melt commitment: the wallet
// commits to kappa candidate coin sets and reveals all but the one the
// exchange picks.
const kappa = 3

const sessionSeedSize = 32

// Engine drives refresh groups through melt and reveal.
type Engine struct {
	store    storage.Store
	provider crypto.Provider
	client   *exchange.Client
	registry *exchange.Registry
	notifier *notify.Notifier
	log      *slog.Logger
}

func NewEngine(store storage.Store, provider crypto.Provider, client *exchange.Client, registry *exchange.Registry, notifier *notify.Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:    store,
		provider: provider,
		client:   client,
		registry: registry,
		notifier: notifier,
		log:      log,
	}
}

// ProcessGroup advances every pending coin of a refresh group. Transient
// failures leave the coin pending and bump the retry schedule; permanent
// rejections freeze the coin.
func (e *Engine) ProcessGroup(ctx context.Context, groupID string) error {
	var group *walletdb.RefreshGroup
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		group, err = walletdb.GetRefreshGroup(tx, groupID)
		return err
	})
	if err != nil {
		return err
	}
	if group.TimestampFinished != nil {
		return nil
	}

	var firstTransient error
	for i := range group.OldCoinPubs {
		if group.StatusPerCoin[i] != walletdb.RefreshPending {
			continue
		}
		err := e.processCoin(ctx, groupID, i)
		if err == nil {
			continue
		}
		var reqErr *exchange.RequestError
		if errors.As(err, &reqErr) && reqErr.Permanent() {
			e.log.WarnContext(ctx, "refresh coin frozen",
				"refreshGroupId", groupID, "index", i, "status", reqErr.HTTPStatus, "code", reqErr.Code)
			if err := e.setCoinStatus(ctx, groupID, i, walletdb.RefreshFrozen, reqErr); err != nil {
				return err
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

// processCoin runs one coin through its next protocol step: create the
// session, melt, or reveal. Each step persists before the next network
// call, so a crash resumes exactly where it stopped.
func (e *Engine) processCoin(ctx context.Context, groupID string, index int) error {
	var group *walletdb.RefreshGroup
	var oldCoin *walletdb.Coin
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		group, err = walletdb.GetRefreshGroup(tx, groupID)
		if err != nil {
			return err
		}
		oldCoin, err = walletdb.GetCoin(tx, group.OldCoinPubs[index])
		return err
	})
	if err != nil {
		return err
	}

	session := group.SessionPerCoin[index]
	if session == nil {
		session, err = e.createSession(ctx, groupID, index, oldCoin, group.InputPerCoin[index])
		if err != nil || session == nil {
			return err
		}
	}
	if session.NorevealIndex == nil {
		if err := e.melt(ctx, group, index, oldCoin, session); err != nil {
			return err
		}
		// Reload the session to pick up the noreveal index.
		err = e.store.View(ctx, func(tx storage.ReadTx) error {
			g, err := walletdb.GetRefreshGroup(tx, groupID)
			if err != nil {
				return err
			}
			session = g.SessionPerCoin[index]
			return nil
		})
		if err != nil {
			return err
		}
	}
	return e.reveal(ctx, group, index, oldCoin, session)
}

// createSession picks the fresh denominations for one coin and stores the
// session seed. A coin whose input is eaten entirely by fees is finished
// here as dust.
func (e *Engine) createSession(ctx context.Context, groupID string, index int, oldCoin *walletdb.Coin, input amount.Amount) (*walletdb.RefreshSession, error) {
	var session *walletdb.RefreshSession
	dust := false
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRefreshGroup(tx, groupID)
		if err != nil {
			return err
		}
		if g.SessionPerCoin[index] != nil {
			session = g.SessionPerCoin[index]
			return nil
		}
		meltDenom, err := walletdb.GetDenomination(tx, oldCoin.ExchangeBaseURL, oldCoin.DenomPubHash)
		if err != nil {
			return err
		}
		denoms, err := walletdb.ListDenominations(tx, oldCoin.ExchangeBaseURL)
		if err != nil {
			return err
		}
		available, err := amount.Sub(input, meltDenom.FeeRefresh)
		if err != nil {
			return err
		}
		sel, err := denomsel.SelectWithdrawal(denoms, available, time.Now())
		if err != nil {
			return err
		}
		if len(sel.Selected) == 0 {
			g.StatusPerCoin[index] = walletdb.RefreshFinished
			dust = true
			return walletdb.PutRefreshGroup(tx, g)
		}

		seed := make([]byte, sessionSeedSize)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("failed to generate session seed: %w", err)
		}
		session = &walletdb.RefreshSession{
			SessionSecretSeed: seed,
			NewDenoms:         sel.Selected,
			AmountOutput:      sel.TotalCoinValue,
		}
		g.SessionPerCoin[index] = session
		return walletdb.PutRefreshGroup(tx, g)
	})
	if err != nil {
		return nil, err
	}
	if dust {
		e.log.InfoContext(ctx, "refresh coin written off as dust",
			"refreshGroupId", groupID, "index", index)
		return nil, nil
	}
	return session, nil
}

// sessionPlan is the deterministic expansion of a refresh session: the
// flattened new denominations and the kappa candidate planchet sets.
type sessionPlan struct {
	denomHashes []string
	denomPubs   [][]byte
	seeds       [][]byte
	commitment  string
	// blinded[k][j] is the blinded message for candidate k, coin j.
	blinded [][][]byte
}

func (e *Engine) planSession(ctx context.Context, exchangeBaseURL string, session *walletdb.RefreshSession) (*sessionPlan, error) {
	plan := &sessionPlan{}
	for _, item := range session.NewDenoms {
		for k := 0; k < item.Count; k++ {
			plan.denomHashes = append(plan.denomHashes, item.DenomPubHash)
		}
	}
	for _, hash := range plan.denomHashes {
		pub, err := e.registry.DenomPub(ctx, exchangeBaseURL, hash)
		if err != nil {
			return nil, err
		}
		plan.denomPubs = append(plan.denomPubs, pub)
	}

	var commitData [][]byte
	for k := 0; k < kappa; k++ {
		seed := []byte(e.provider.Hash(session.SessionSecretSeed, []byte{byte(k)}))
		plan.seeds = append(plan.seeds, seed)
		var row [][]byte
		for j := range plan.denomHashes {
			idx, err := safecast.ToUint32(j)
			if err != nil {
				return nil, err
			}
			planchet, err := e.provider.Planchet(plan.denomPubs[j], seed, idx)
			if err != nil {
				return nil, err
			}
			row = append(row, planchet.BlindedMessage)
			commitData = append(commitData, planchet.BlindedMessage)
		}
		plan.blinded = append(plan.blinded, row)
	}
	plan.commitment = e.provider.Hash(commitData...)
	return plan, nil
}

func (e *Engine) melt(ctx context.Context, group *walletdb.RefreshGroup, index int, oldCoin *walletdb.Coin, session *walletdb.RefreshSession) error {
	plan, err := e.planSession(ctx, oldCoin.ExchangeBaseURL, session)
	if err != nil {
		return err
	}
	valueWithFee := group.InputPerCoin[index]
	confirmSig, err := e.provider.SignCoin(oldCoin.CoinPriv, crypto.PurposeMelt,
		meltSigMessage(plan.commitment, valueWithFee.String()))
	if err != nil {
		return err
	}
	resp, err := e.client.Melt(ctx, oldCoin.ExchangeBaseURL, oldCoin.CoinPub, &exchange.MeltRequest{
		DenomPubHash:      oldCoin.DenomPubHash,
		DenomSig:          oldCoin.DenomSig,
		ConfirmSig:        confirmSig,
		ValueWithFee:      valueWithFee,
		RefreshCommitment: plan.commitment,
	})
	if err != nil {
		return err
	}

	err = e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRefreshGroup(tx, group.ID)
		if err != nil {
			return err
		}
		s := g.SessionPerCoin[index]
		if s == nil {
			return fmt.Errorf("refresh session %s[%d] disappeared", group.ID, index)
		}
		if s.NorevealIndex == nil {
			s.NorevealIndex = resp.NorevealIndex
		}
		return walletdb.PutRefreshGroup(tx, g)
	})
	if err != nil {
		return err
	}
	e.notifier.Publish(notify.Event{Type: notify.EventRefreshMelted, RefreshGroupID: group.ID})
	return nil
}

func (e *Engine) reveal(ctx context.Context, group *walletdb.RefreshGroup, index int, oldCoin *walletdb.Coin, session *walletdb.RefreshSession) error {
	plan, err := e.planSession(ctx, oldCoin.ExchangeBaseURL, session)
	if err != nil {
		return err
	}
	nr := *session.NorevealIndex
	if nr >= kappa {
		return fmt.Errorf("exchange chose invalid noreveal index %d", nr)
	}
	var revealedSeeds [][]byte
	for k := 0; k < kappa; k++ {
		if k != nr {
			revealedSeeds = append(revealedSeeds, plan.seeds[k])
		}
	}
	resp, err := e.client.Reveal(ctx, oldCoin.ExchangeBaseURL, plan.commitment, &exchange.RevealRequest{
		NewDenomsH:    plan.denomHashes,
		CoinEvs:       plan.blinded[nr],
		RevealedSeeds: revealedSeeds,
	})
	if err != nil {
		return err
	}
	if len(resp.EvSigs) != len(plan.denomHashes) {
		return fmt.Errorf("reveal returned %d signatures, want %d", len(resp.EvSigs), len(plan.denomHashes))
	}

	coins := make([]*walletdb.Coin, len(plan.denomHashes))
	for j, hash := range plan.denomHashes {
		idx, err := safecast.ToUint32(j)
		if err != nil {
			return err
		}
		planchet, err := e.provider.Planchet(plan.denomPubs[j], plan.seeds[nr], idx)
		if err != nil {
			return err
		}
		denomSig, err := e.provider.Unblind(plan.denomPubs[j], plan.seeds[nr], idx, resp.EvSigs[j].EvSig)
		if err != nil {
			return err
		}
		if err := e.provider.VerifyDenomSignature(plan.denomPubs[j], planchet.CoinPub, denomSig); err != nil {
			return fmt.Errorf("exchange returned bad signature for fresh coin %d: %w", j, err)
		}
		coins[j] = &walletdb.Coin{
			CoinPub:         planchet.CoinPub,
			CoinPriv:        planchet.CoinPriv,
			ExchangeBaseURL: oldCoin.ExchangeBaseURL,
			DenomPubHash:    hash,
			DenomSig:        denomSig,
			Status:          walletdb.CoinFresh,
			Source: walletdb.CoinSource{
				Type:       walletdb.CoinSourceRefresh,
				OldCoinPub: oldCoin.CoinPub,
			},
		}
	}

	err = e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRefreshGroup(tx, group.ID)
		if err != nil {
			return err
		}
		if g.StatusPerCoin[index] == walletdb.RefreshFinished {
			return nil
		}
		for _, coin := range coins {
			d, err := walletdb.GetDenomination(tx, coin.ExchangeBaseURL, coin.DenomPubHash)
			if err != nil {
				return err
			}
			coin.CurrentAmount = d.Value
			if err := walletdb.PutCoin(tx, coin); err != nil {
				return err
			}
		}
		g.StatusPerCoin[index] = walletdb.RefreshFinished
		g.LastError = nil
		return walletdb.PutRefreshGroup(tx, g)
	})
	if err != nil {
		return err
	}
	e.notifier.Publish(notify.Event{Type: notify.EventRefreshRevealed, RefreshGroupID: group.ID})
	return nil
}

func (e *Engine) setCoinStatus(ctx context.Context, groupID string, index int, status walletdb.RefreshCoinStatus, reqErr *exchange.RequestError) error {
	return e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRefreshGroup(tx, groupID)
		if err != nil {
			return err
		}
		g.StatusPerCoin[index] = status
		g.LastError = &walletdb.ErrorDetail{Code: reqErr.Code, Hint: reqErr.Hint, Message: reqErr.Error()}
		return walletdb.PutRefreshGroup(tx, g)
	})
}

func (e *Engine) finishGroup(ctx context.Context, groupID string) error {
	finished := false
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRefreshGroup(tx, groupID)
		if err != nil {
			return err
		}
		if g.TimestampFinished != nil || !g.Finished() {
			return nil
		}
		now := time.Now()
		g.TimestampFinished = &now
		g.Retry.Reset()
		finished = true
		return walletdb.PutRefreshGroup(tx, g)
	})
	if err != nil {
		return err
	}
	if finished {
		e.log.InfoContext(ctx, "refresh group finished", "refreshGroupId", groupID)
		e.notifier.Publish(notify.Event{Type: notify.EventRefreshGroupFinished, RefreshGroupID: groupID})
	}
	return nil
}

func (e *Engine) recordRetry(ctx context.Context, groupID string, cause error) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetRefreshGroup(tx, groupID)
		if err != nil {
			return err
		}
		g.Retry.Increment()
		var reqErr *exchange.RequestError
		if errors.As(cause, &reqErr) {
			g.LastError = &walletdb.ErrorDetail{Code: reqErr.Code, Hint: reqErr.Hint, Message: reqErr.Error()}
		} else {
			g.LastError = &walletdb.ErrorDetail{Message: cause.Error()}
		}
		return walletdb.PutRefreshGroup(tx, g)
	})
	if err != nil {
		return err
	}
	return cause
}

func meltSigMessage(commitment, valueWithFee string) []byte {
	msg := make([]byte, 0, len(commitment)+1+len(valueWithFee))
	msg = append(msg, commitment...)
	msg = append(msg, 0)
	return append(msg, valueWithFee...)
}
