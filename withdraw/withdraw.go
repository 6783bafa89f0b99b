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

// Package withdraw drives the reserve and withdrawal-group lifecycles:
// registering reserves, polling for incoming funds, and turning funded
// reserves into coins planchet by planchet.
package withdraw

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/google/uuid"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/denomsel"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/retry"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

const secretSeedSize = 32

// Engine runs withdrawal processing. All state lives in the store; the
// engine itself is stateless and safe for concurrent use on distinct
// entities.
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

// AcceptManualWithdrawal creates a reserve the user will fund by wire
// transfer. The denomination plan for the instructed amount and the id of
// the eventual withdrawal group are fixed now, so a crash at any later
// point cannot double-create coins.
func (e *Engine) AcceptManualWithdrawal(ctx context.Context, exchangeBaseURL string, instructed amount.Amount) (*walletdb.Reserve, error) {
	if err := e.registry.UpdateKeys(ctx, exchangeBaseURL); err != nil {
		return nil, err
	}

	reservePub, reservePriv, err := e.provider.EdDSAKeyPair()
	if err != nil {
		return nil, err
	}

	var reserve *walletdb.Reserve
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		denoms, err := walletdb.ListDenominations(tx, exchangeBaseURL)
		if err != nil {
			return err
		}
		sel, err := denomsel.SelectWithdrawal(denoms, instructed, time.Now())
		if err != nil {
			return err
		}
		if len(sel.Selected) == 0 {
			return fmt.Errorf("no withdrawable denomination covers %s at %s", instructed, exchangeBaseURL)
		}
		reserve = &walletdb.Reserve{
			ReservePub:               reservePub,
			ReservePriv:              reservePriv,
			ExchangeBaseURL:          exchangeBaseURL,
			Currency:                 instructed.Currency,
			InstructedAmount:         instructed,
			Status:                   walletdb.ReserveQueryingStatus,
			TimestampCreated:         time.Now(),
			InitialWithdrawalGroupID: uuid.NewString(),
			InitialDenomSel:          sel,
			Retry:                    retry.NewInfo(),
		}
		return walletdb.PutReserve(tx, reserve)
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "reserve created",
		"reservePub", reservePub, "exchange", exchangeBaseURL, "instructed", instructed.String())
	e.notifier.Publish(notify.Event{Type: notify.EventReserveUpdated, ReservePub: reservePub})
	return reserve, nil
}

// ProcessReserve advances a reserve one step. Transitions are exhaustive
// over the status enum; an unknown status is an error, not a no-op.
func (e *Engine) ProcessReserve(ctx context.Context, reservePub string) error {
	var reserve *walletdb.Reserve
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		reserve, err = walletdb.GetReserve(tx, reservePub)
		return err
	})
	if err != nil {
		return err
	}

	switch reserve.Status {
	case walletdb.ReserveRegistering:
		return e.registerReserveWithBank(ctx, reserve)
	case walletdb.ReserveWaitConfirmBank:
		return e.pollBankConfirmation(ctx, reserve)
	case walletdb.ReserveQueryingStatus:
		return e.queryReserve(ctx, reserve)
	case walletdb.ReserveDormant:
		if reserve.RequestedQuery {
			return e.queryReserve(ctx, reserve)
		}
		return nil
	case walletdb.ReserveBankAborted:
		return nil
	default:
		return fmt.Errorf("reserve %s has unknown status %q", reservePub, reserve.Status)
	}
}

// queryReserve polls the exchange for the reserve balance and, once funds
// are present, creates the withdrawal group in the same transaction that
// flips the reserve to dormant.
func (e *Engine) queryReserve(ctx context.Context, reserve *walletdb.Reserve) error {
	status, err := e.client.ReserveStatus(ctx, reserve.ExchangeBaseURL, reserve.ReservePub)
	if err != nil {
		var reqErr *exchange.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatus == 404 {
			// Funds not arrived yet; back off and ask again later.
			return e.recordReserveRetry(ctx, reserve.ReservePub, nil)
		}
		return e.recordReserveRetry(ctx, reserve.ReservePub, err)
	}

	var groupID string
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		r, err := walletdb.GetReserve(tx, reserve.ReservePub)
		if err != nil {
			return err
		}
		groupID = ""
		if status.Balance.IsZero() {
			r.Status = walletdb.ReserveDormant
			r.RequestedQuery = false
			r.Retry.Reset()
			return walletdb.PutReserve(tx, r)
		}

		denoms, err := walletdb.ListDenominations(tx, r.ExchangeBaseURL)
		if err != nil {
			return err
		}
		sel, err := denomsel.SelectWithdrawal(denoms, status.Balance, time.Now())
		if err != nil {
			return err
		}
		if len(sel.Selected) == 0 {
			// Balance below the smallest denomination; it stays in the
			// reserve.
			r.Status = walletdb.ReserveDormant
			r.RequestedQuery = false
			r.Retry.Reset()
			return walletdb.PutReserve(tx, r)
		}

		if !r.InitialWithdrawalStarted {
			groupID = r.InitialWithdrawalGroupID
			r.InitialWithdrawalStarted = true
		} else {
			groupID = uuid.NewString()
		}

		seed := make([]byte, secretSeedSize)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("failed to generate withdrawal seed: %w", err)
		}
		n := planchetCount(sel)
		group := &walletdb.WithdrawalGroup{
			ID:                  groupID,
			ReservePub:          r.ReservePub,
			ExchangeBaseURL:     r.ExchangeBaseURL,
			SecretSeed:          seed,
			DenomSel:            sel,
			RawWithdrawalAmount: status.Balance,
			CoinDone:            make([]bool, n),
			CoinFailed:          make([]bool, n),
			TimestampStart:      time.Now(),
			Retry:               retry.NewInfo(),
		}
		if err := walletdb.PutWithdrawalGroup(tx, group); err != nil {
			return err
		}

		r.Status = walletdb.ReserveDormant
		r.RequestedQuery = false
		r.Retry.Reset()
		return walletdb.PutReserve(tx, r)
	})
	if err != nil {
		return err
	}

	e.notifier.Publish(notify.Event{Type: notify.EventReserveUpdated, ReservePub: reserve.ReservePub})
	if groupID != "" {
		e.log.InfoContext(ctx, "withdrawal group created",
			"withdrawalGroupId", groupID, "reservePub", reserve.ReservePub, "amount", status.Balance.String())
		e.notifier.Publish(notify.Event{
			Type:              notify.EventWithdrawGroupCreated,
			ReservePub:        reserve.ReservePub,
			WithdrawalGroupID: groupID,
		})
	}
	return nil
}

// ProcessWithdrawalGroup withdraws every outstanding planchet of a group.
// Each planchet is derived deterministically from the stored seed, so a
// crashed or failed run resumes with identical blinded messages and the
// exchange's earlier signatures stay valid.
func (e *Engine) ProcessWithdrawalGroup(ctx context.Context, groupID string) error {
	var group *walletdb.WithdrawalGroup
	var reserve *walletdb.Reserve
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		group, err = walletdb.GetWithdrawalGroup(tx, groupID)
		if err != nil {
			return err
		}
		reserve, err = walletdb.GetReserve(tx, group.ReservePub)
		return err
	})
	if err != nil {
		return err
	}
	if group.TimestampFinished != nil {
		return nil
	}

	var firstTransient error
	hashes := planchetDenomHashes(group.DenomSel)
	for i, denomPubHash := range hashes {
		if group.CoinDone[i] || group.CoinFailed[i] {
			continue
		}
		err := e.withdrawPlanchet(ctx, group, reserve, i, denomPubHash)
		if err == nil {
			continue
		}
		var reqErr *exchange.RequestError
		if errors.As(err, &reqErr) && reqErr.Permanent() {
			e.log.WarnContext(ctx, "planchet permanently rejected",
				"withdrawalGroupId", groupID, "index", i, "status", reqErr.HTTPStatus, "code", reqErr.Code)
			markErr := e.store.Update(ctx, func(tx storage.Tx) error {
				g, err := walletdb.GetWithdrawalGroup(tx, groupID)
				if err != nil {
					return err
				}
				g.CoinFailed[i] = true
				g.LastError = &walletdb.ErrorDetail{Code: reqErr.Code, Hint: reqErr.Hint}
				return walletdb.PutWithdrawalGroup(tx, g)
			})
			if markErr != nil {
				return markErr
			}
			continue
		}
		if firstTransient == nil {
			firstTransient = err
		}
	}
	if firstTransient != nil {
		return e.recordGroupRetry(ctx, groupID, firstTransient)
	}
	return e.finishGroup(ctx, groupID)
}

// withdrawPlanchet runs one planchet to completion: derive, sign request,
// submit, unblind, verify, store the coin.
func (e *Engine) withdrawPlanchet(ctx context.Context, group *walletdb.WithdrawalGroup, reserve *walletdb.Reserve, index int, denomPubHash string) error {
	denomPub, err := e.registry.DenomPub(ctx, group.ExchangeBaseURL, denomPubHash)
	if err != nil {
		return err
	}
	idx, err := safecast.ToUint32(index)
	if err != nil {
		return err
	}
	planchet, err := e.provider.Planchet(denomPub, group.SecretSeed, idx)
	if err != nil {
		return err
	}

	reserveSig, err := e.provider.SignCoin(reserve.ReservePriv, crypto.PurposeWithdraw,
		withdrawSigMessage(denomPubHash, planchet.BlindedMessage))
	if err != nil {
		return err
	}
	resp, err := e.client.Withdraw(ctx, group.ExchangeBaseURL, group.ReservePub, &exchange.WithdrawRequest{
		DenomPubHash: denomPubHash,
		CoinEv:       planchet.BlindedMessage,
		ReserveSig:   reserveSig,
	})
	if err != nil {
		return err
	}

	denomSig, err := e.provider.Unblind(denomPub, group.SecretSeed, idx, resp.EvSig)
	if err != nil {
		return err
	}
	if err := e.provider.VerifyDenomSignature(denomPub, planchet.CoinPub, denomSig); err != nil {
		return fmt.Errorf("exchange returned bad signature for planchet %d: %w", index, err)
	}

	err = e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetWithdrawalGroup(tx, group.ID)
		if err != nil {
			return err
		}
		if g.CoinDone[index] {
			return nil
		}
		d, err := walletdb.GetDenomination(tx, group.ExchangeBaseURL, denomPubHash)
		if err != nil {
			return err
		}
		coin := &walletdb.Coin{
			CoinPub:         planchet.CoinPub,
			CoinPriv:        planchet.CoinPriv,
			ExchangeBaseURL: group.ExchangeBaseURL,
			DenomPubHash:    denomPubHash,
			DenomSig:        denomSig,
			CurrentAmount:   d.Value,
			Status:          walletdb.CoinFresh,
			Source: walletdb.CoinSource{
				Type:              walletdb.CoinSourceWithdraw,
				ReservePub:        group.ReservePub,
				WithdrawalGroupID: group.ID,
				CoinIndex:         index,
			},
		}
		if err := walletdb.PutCoin(tx, coin); err != nil {
			return err
		}
		g.CoinDone[index] = true
		g.LastError = nil
		return walletdb.PutWithdrawalGroup(tx, g)
	})
	if err != nil {
		return err
	}
	e.notifier.Publish(notify.Event{Type: notify.EventCoinWithdrawn, WithdrawalGroupID: group.ID})
	return nil
}

// finishGroup stamps the group finished once every planchet is done or
// failed.
func (e *Engine) finishGroup(ctx context.Context, groupID string) error {
	finished := false
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetWithdrawalGroup(tx, groupID)
		if err != nil {
			return err
		}
		if g.TimestampFinished != nil {
			return nil
		}
		for i := range g.CoinDone {
			if !g.CoinDone[i] && !g.CoinFailed[i] {
				return nil
			}
		}
		now := time.Now()
		g.TimestampFinished = &now
		g.Retry.Reset()
		finished = true
		return walletdb.PutWithdrawalGroup(tx, g)
	})
	if err != nil {
		return err
	}
	if finished {
		e.log.InfoContext(ctx, "withdrawal group finished", "withdrawalGroupId", groupID)
		e.notifier.Publish(notify.Event{Type: notify.EventWithdrawGroupFinished, WithdrawalGroupID: groupID})
	}
	return nil
}

func (e *Engine) recordReserveRetry(ctx context.Context, reservePub string, cause error) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		r, err := walletdb.GetReserve(tx, reservePub)
		if err != nil {
			return err
		}
		r.Retry.Increment()
		if cause != nil {
			r.LastError = errorDetail(cause)
		}
		return walletdb.PutReserve(tx, r)
	})
	if err != nil {
		return err
	}
	return cause
}

func (e *Engine) recordGroupRetry(ctx context.Context, groupID string, cause error) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		g, err := walletdb.GetWithdrawalGroup(tx, groupID)
		if err != nil {
			return err
		}
		g.Retry.Increment()
		g.LastError = errorDetail(cause)
		return walletdb.PutWithdrawalGroup(tx, g)
	})
	if err != nil {
		return err
	}
	return cause
}

func errorDetail(err error) *walletdb.ErrorDetail {
	var reqErr *exchange.RequestError
	if errors.As(err, &reqErr) {
		return &walletdb.ErrorDetail{Code: reqErr.Code, Hint: reqErr.Hint, Message: reqErr.Error()}
	}
	return &walletdb.ErrorDetail{Message: err.Error()}
}

// planchetDenomHashes flattens a denomination selection into one hash per
// planchet, fixing the planchet index order.
func planchetDenomHashes(sel walletdb.DenomSelection) []string {
	var out []string
	for _, item := range sel.Selected {
		for k := 0; k < item.Count; k++ {
			out = append(out, item.DenomPubHash)
		}
	}
	return out
}

func planchetCount(sel walletdb.DenomSelection) int {
	n := 0
	for _, item := range sel.Selected {
		n += item.Count
	}
	return n
}

func withdrawSigMessage(denomPubHash string, coinEv []byte) []byte {
	msg := make([]byte, 0, len(denomPubHash)+1+len(coinEv))
	msg = append(msg, denomPubHash...)
	msg = append(msg, 0)
	return append(msg, coinEv...)
}
