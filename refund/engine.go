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

// Package refund reconciles merchant refund reports into the coin ledger.
// It serves two flows sharing one apply path: refund queries for paid
// purchases and abort recovery for partially paid ones.
package refund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/denomsel"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/merchant"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/refresh"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

// oldestDepositNotFoundMajor is the first exchange protocol major for
// which the deposit-not-found error code below is known to hold.
const oldestDepositNotFoundMajor = 12

// depositNotFoundCode returns the exchange error code that marks a failed
// abort refund as "the merchant never deposited this coin", or 0 when the
// protocol version is unknown and the fast path must not trigger.
func depositNotFoundCode(protocolVersion string) int {
	major, _, ok := strings.Cut(protocolVersion, ":")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(major)
	if err != nil || n < oldestDepositNotFoundMajor {
		return 0
	}
	return exchange.CodeDepositNotFound
}

// Engine runs refund reconciliation. Stateless; purchases carry all state.
type Engine struct {
	store    storage.Store
	merchant *merchant.Client
	notifier *notify.Notifier
	log      *slog.Logger
}

func NewEngine(store storage.Store, mc *merchant.Client, notifier *notify.Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:    store,
		merchant: mc,
		notifier: notifier,
		log:      log,
	}
}

// RequestRefundQuery asks for a refund check on a purchase; the next
// processing pass performs it.
func (e *Engine) RequestRefundQuery(ctx context.Context, proposalID string) error {
	return e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetPurchase(tx, proposalID)
		if err != nil {
			return err
		}
		p.RefundQueryRequested = true
		p.RefundRetry.Reset()
		return walletdb.PutPurchase(tx, p)
	})
}

// ProcessPurchaseRefund advances the refund side of a purchase: the abort
// flow when an abort is pending, otherwise a refund query when one is
// requested or an auto-refund window is open.
func (e *Engine) ProcessPurchaseRefund(ctx context.Context, proposalID string) error {
	var purchase *walletdb.Purchase
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		purchase, err = walletdb.GetPurchase(tx, proposalID)
		return err
	})
	if err != nil {
		return err
	}

	switch purchase.AbortStatus {
	case walletdb.AbortRefund:
		return e.processAbort(ctx, purchase)
	case walletdb.AbortNone, walletdb.AbortFinished:
		if purchase.RefundQueryRequested || autoRefundOpen(purchase, time.Now()) {
			return e.processQuery(ctx, purchase)
		}
		return nil
	default:
		return fmt.Errorf("purchase %s has unknown abort status %q", proposalID, purchase.AbortStatus)
	}
}

// autoRefundOpen reports whether the merchant-declared auto-refund window
// still obliges the wallet to poll.
func autoRefundOpen(p *walletdb.Purchase, now time.Time) bool {
	return p.AutoRefundDeadline != nil && now.Before(*p.AutoRefundDeadline)
}

func (e *Engine) processQuery(ctx context.Context, purchase *walletdb.Purchase) error {
	base := purchase.ContractData.MerchantBaseURL
	orderID := purchase.ContractData.OrderID
	resp, err := e.merchant.QueryRefund(ctx, base, orderID, &merchant.RefundRequest{
		ContractHash: purchase.ContractData.ContractTermsHash,
	})
	if err != nil {
		return e.recordRefundRetry(ctx, purchase.ProposalID, err)
	}

	if err := e.applyStatuses(ctx, purchase.ProposalID, resp.Refunds, false); err != nil {
		return err
	}
	e.notifier.Publish(notify.Event{Type: notify.EventRefundsQueried, ProposalID: purchase.ProposalID})

	done := false
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetPurchase(tx, purchase.ProposalID)
		if err != nil {
			return err
		}
		if pendingRefunds(p) > 0 || autoRefundOpen(p, time.Now()) {
			p.RefundRetry.Increment()
			return walletdb.PutPurchase(tx, p)
		}
		p.RefundQueryRequested = false
		p.RefundRetry.Reset()
		p.LastRefundError = nil
		done = true
		return walletdb.PutPurchase(tx, p)
	})
	if err != nil {
		return err
	}
	if done {
		e.log.InfoContext(ctx, "refund reconciliation finished", "proposalId", purchase.ProposalID)
		e.notifier.Publish(notify.Event{Type: notify.EventRefundFinished, ProposalID: purchase.ProposalID})
	}
	return nil
}

// processAbort asks the merchant to refund the purchase's coins. Coins the
// merchant deposited come back as refunds; coins it never deposited are
// restored directly via the deposit-not-found fast path in applyStatuses.
func (e *Engine) processAbort(ctx context.Context, purchase *walletdb.Purchase) error {
	base := purchase.ContractData.MerchantBaseURL
	orderID := purchase.ContractData.OrderID

	coins := make([]merchant.DepositPermission, 0, len(purchase.CoinDepositPermissions))
	for i, raw := range purchase.CoinDepositPermissions {
		var perm merchant.DepositPermission
		if err := json.Unmarshal(raw, &perm); err != nil {
			return fmt.Errorf("purchase %s has bad deposit permission %d: %w", purchase.ProposalID, i, err)
		}
		coins = append(coins, perm)
	}
	resp, err := e.merchant.Abort(ctx, base, orderID, &merchant.AbortRequest{
		ContractHash: purchase.ContractData.ContractTermsHash,
		Coins:        coins,
	})
	if err != nil {
		return e.recordRefundRetry(ctx, purchase.ProposalID, err)
	}

	if err := e.applyStatuses(ctx, purchase.ProposalID, resp.Refunds, true); err != nil {
		return err
	}

	finished := false
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetPurchase(tx, purchase.ProposalID)
		if err != nil {
			return err
		}
		if pendingRefunds(p) > 0 {
			p.RefundRetry.Increment()
			return walletdb.PutPurchase(tx, p)
		}
		p.AbortStatus = walletdb.AbortFinished
		p.RefundRetry.Reset()
		p.LastRefundError = nil
		finished = true
		return walletdb.PutPurchase(tx, p)
	})
	if err != nil {
		return err
	}
	if finished {
		e.log.InfoContext(ctx, "purchase abort finished", "proposalId", purchase.ProposalID)
		e.notifier.Publish(notify.Event{Type: notify.EventPayAborted, ProposalID: purchase.ProposalID})
	}
	return nil
}

// applyStatuses merges refund reports into the purchase in one
// transaction. Items already applied or failed are skipped, so replaying
// the same report changes nothing. Credited coins join one refresh group
// created in the same transaction.
func (e *Engine) applyStatuses(ctx context.Context, proposalID string, statuses []merchant.CoinRefundStatus, abortMode bool) error {
	var credited []string
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		credited = credited[:0]
		p, err := walletdb.GetPurchase(tx, proposalID)
		if err != nil {
			return err
		}
		if p.Refunds == nil {
			p.Refunds = make(map[string]walletdb.RefundItem)
		}

		var refreshCoins []string
		for _, s := range statuses {
			key := walletdb.RefundKey(s.CoinPub, s.RTransactionID)
			if prev, ok := p.Refunds[key]; ok && prev.State != walletdb.RefundPending {
				continue
			}
			item, creditCoin, err := e.applyOne(tx, p, &s, abortMode)
			if err != nil {
				return err
			}
			p.Refunds[key] = *item
			if creditCoin {
				refreshCoins = append(refreshCoins, s.CoinPub)
			}
		}

		if len(refreshCoins) > 0 {
			reason := walletdb.RefreshReasonRefund
			if abortMode {
				reason = walletdb.RefreshReasonAbortPay
			}
			if _, err := refresh.CreateGroup(tx, refreshCoins, reason); err != nil {
				return err
			}
			credited = append(credited, refreshCoins...)
		}
		return walletdb.PutPurchase(tx, p)
	})
	if err != nil {
		return err
	}
	if len(credited) > 0 {
		e.log.InfoContext(ctx, "refunds applied", "proposalId", proposalID, "coins", len(credited))
	}
	return nil
}

// applyOne resolves a single refund report into an item state and,
// possibly, a coin credit. The returned bool says whether the coin gained
// value and must be refreshed.
func (e *Engine) applyOne(tx storage.Tx, p *walletdb.Purchase, s *merchant.CoinRefundStatus, abortMode bool) (*walletdb.RefundItem, bool, error) {
	item := &walletdb.RefundItem{
		State:          walletdb.RefundPending,
		CoinPub:        s.CoinPub,
		RTransactionID: s.RTransactionID,
		RefundAmount:   s.RefundAmount,
		RefundFee:      amount.Zero(s.RefundAmount.Currency),
		ObtainedAt:     time.Now(),
		ExecutionTime:  s.ExecutionTime.T,
	}

	if s.Type == merchant.RefundStatusSuccess {
		credit, err := e.creditCoin(tx, s.CoinPub, s.RefundAmount, item)
		if err != nil {
			return nil, false, err
		}
		item.State = walletdb.RefundApplied
		return item, !credit.IsZero(), nil
	}

	// Failure report. 4xx from the exchange is final for this refund;
	// anything else is worth retrying.
	if s.ExchangeStatus < http.StatusBadRequest || s.ExchangeStatus >= http.StatusInternalServerError {
		item.State = walletdb.RefundPending
		return item, false, nil
	}
	item.State = walletdb.RefundFailed

	if abortMode && s.ExchangeCode != 0 {
		coin, err := walletdb.GetCoin(tx, s.CoinPub)
		if err != nil {
			return nil, false, err
		}
		ex, err := walletdb.GetExchange(tx, coin.ExchangeBaseURL)
		if err != nil {
			return nil, false, err
		}
		if s.ExchangeCode == depositNotFoundCode(ex.ProtocolVersion) {
			// The merchant never deposited this coin, so no refund will
			// ever come. Restore the original contribution directly.
			contribution, ok := contributionFor(p, s.CoinPub)
			if !ok {
				return nil, false, fmt.Errorf("no recorded contribution for coin %s", s.CoinPub)
			}
			if coin.CurrentAmount, err = amount.Add(coin.CurrentAmount, contribution); err != nil {
				return nil, false, err
			}
			if err := walletdb.PutCoin(tx, coin); err != nil {
				return nil, false, err
			}
			if err := e.recomputeRefreshBound(tx, coin, contribution, item); err != nil {
				return nil, false, err
			}
			return item, true, nil
		}
	}
	return item, false, nil
}

// creditCoin applies a successful refund to the coin: the refund amount
// minus the denomination's refund fee.
func (e *Engine) creditCoin(tx storage.Tx, coinPub string, refundAmount amount.Amount, item *walletdb.RefundItem) (amount.Amount, error) {
	coin, err := walletdb.GetCoin(tx, coinPub)
	if err != nil {
		return amount.Amount{}, err
	}
	denom, err := walletdb.GetDenomination(tx, coin.ExchangeBaseURL, coin.DenomPubHash)
	if err != nil {
		return amount.Amount{}, err
	}
	item.RefundFee = denom.FeeRefund

	credit, err := amount.Sub(refundAmount, denom.FeeRefund)
	if err != nil {
		return amount.Amount{}, err
	}
	if credit.IsZero() {
		return credit, nil
	}
	if coin.CurrentAmount, err = amount.Add(coin.CurrentAmount, credit); err != nil {
		return amount.Amount{}, err
	}
	if err := walletdb.PutCoin(tx, coin); err != nil {
		return amount.Amount{}, err
	}
	if err := e.recomputeRefreshBound(tx, coin, credit, item); err != nil {
		return amount.Amount{}, err
	}
	return credit, nil
}

// recomputeRefreshBound refreshes the advisory refresh cost estimate from
// the live denomination table.
func (e *Engine) recomputeRefreshBound(tx storage.ReadTx, coin *walletdb.Coin, credit amount.Amount, item *walletdb.RefundItem) error {
	denom, err := walletdb.GetDenomination(tx, coin.ExchangeBaseURL, coin.DenomPubHash)
	if err != nil {
		return err
	}
	denoms, err := walletdb.ListDenominations(tx, coin.ExchangeBaseURL)
	if err != nil {
		return err
	}
	bound, err := denomsel.TotalRefreshCost(denoms, denom, credit, time.Now())
	if err != nil {
		return err
	}
	item.TotalRefreshCostBound = bound
	return nil
}

func contributionFor(p *walletdb.Purchase, coinPub string) (amount.Amount, bool) {
	for i, pub := range p.PayCoinSelection.CoinPubs {
		if pub == coinPub {
			return p.PayCoinSelection.CoinContributions[i], true
		}
	}
	return amount.Amount{}, false
}

func pendingRefunds(p *walletdb.Purchase) int {
	n := 0
	for _, item := range p.Refunds {
		if item.State == walletdb.RefundPending {
			n++
		}
	}
	return n
}

func (e *Engine) recordRefundRetry(ctx context.Context, proposalID string, cause error) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetPurchase(tx, proposalID)
		if err != nil {
			return err
		}
		p.RefundRetry.Increment()
		p.LastRefundError = errorDetail(cause)
		return walletdb.PutPurchase(tx, p)
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
