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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coinward/coinward/denomsel"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/refresh"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

// PendingKind identifies the type of entity a pending operation works on.
type PendingKind string

const (
	PendingReserve         PendingKind = "reserve"
	PendingWithdrawalGroup PendingKind = "withdrawal-group"
	PendingRefreshGroup    PendingKind = "refresh-group"
	PendingPurchasePay     PendingKind = "purchase-pay"
	PendingPurchaseRefund  PendingKind = "purchase-refund"
	PendingRecoupGroup     PendingKind = "recoup-group"
)

// PendingOperation is one piece of work whose retry timer has elapsed.
type PendingOperation struct {
	Kind PendingKind
	ID   string
}

// PendingOperations enumerates all operations that are due now. Entities
// that are finished, frozen or waiting for their next retry are skipped.
func (w *Wallet) PendingOperations(ctx context.Context) ([]PendingOperation, error) {
	now := time.Now()
	var pending []PendingOperation
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		reserves, err := walletdb.ListReserves(tx)
		if err != nil {
			return err
		}
		for _, r := range reserves {
			active := r.Status == walletdb.ReserveRegistering ||
				r.Status == walletdb.ReserveWaitConfirmBank ||
				r.Status == walletdb.ReserveQueryingStatus ||
				r.RequestedQuery
			if active && r.Retry.Due(now) {
				pending = append(pending, PendingOperation{PendingReserve, r.ReservePub})
			}
		}

		withdrawalGroups, err := walletdb.ListWithdrawalGroups(tx)
		if err != nil {
			return err
		}
		for _, g := range withdrawalGroups {
			if g.TimestampFinished == nil && g.Retry.Due(now) {
				pending = append(pending, PendingOperation{PendingWithdrawalGroup, g.ID})
			}
		}

		refreshGroups, err := walletdb.ListRefreshGroups(tx)
		if err != nil {
			return err
		}
		for _, g := range refreshGroups {
			if g.TimestampFinished == nil && !g.Frozen() && g.Retry.Due(now) {
				pending = append(pending, PendingOperation{PendingRefreshGroup, g.ID})
			}
		}

		purchases, err := walletdb.ListPurchases(tx)
		if err != nil {
			return err
		}
		for _, p := range purchases {
			payPending := p.MerchantPaySig == "" && !p.PayFrozen &&
				p.AbortStatus == walletdb.AbortNone
			if payPending && p.PayRetry.Due(now) {
				pending = append(pending, PendingOperation{PendingPurchasePay, p.ProposalID})
			}
			refundPending := p.AbortStatus == walletdb.AbortRefund ||
				p.RefundQueryRequested ||
				(p.AutoRefundDeadline != nil && now.Before(*p.AutoRefundDeadline))
			if refundPending && p.RefundRetry.Due(now) {
				pending = append(pending, PendingOperation{PendingPurchaseRefund, p.ProposalID})
			}
		}

		recoupGroups, err := walletdb.ListRecoupGroups(tx)
		if err != nil {
			return err
		}
		for _, g := range recoupGroups {
			if g.TimestampFinished == nil && g.Retry.Due(now) {
				pending = append(pending, PendingOperation{PendingRecoupGroup, g.ID})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate pending operations: %w", err)
	}
	return pending, nil
}

// ProcessPending runs every due operation once. Individual failures are
// recorded on the entity by its engine and do not stop the pass; only
// enumeration and context errors are returned. Exchange keys are also
// refreshed when the configured interval has elapsed.
func (w *Wallet) ProcessPending(ctx context.Context) error {
	if err := w.maybeUpdateKeys(ctx); err != nil {
		return err
	}

	pending, err := w.PendingOperations(ctx)
	if err != nil {
		return err
	}
	for _, op := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.processOne(ctx, op); err != nil {
			if errors.Is(err, ErrOperationInProgress) {
				continue
			}
			w.log.Warn("pending operation failed",
				"kind", string(op.Kind), "id", op.ID, "err", err)
		}
	}
	w.notifier.Publish(notify.Event{Type: notify.EventPendingOperationsProcessed})
	return nil
}

func (w *Wallet) processOne(ctx context.Context, op PendingOperation) error {
	switch op.Kind {
	case PendingReserve:
		return w.ProcessReserve(ctx, op.ID)
	case PendingWithdrawalGroup:
		return w.ProcessWithdrawalGroup(ctx, op.ID)
	case PendingRefreshGroup:
		return w.ProcessRefreshGroup(ctx, op.ID)
	case PendingPurchasePay:
		return w.ops.run("purchase-pay", op.ID, func() error {
			return w.pay.ProcessPurchasePay(ctx, op.ID)
		})
	case PendingPurchaseRefund:
		return w.ProcessPurchaseRefund(ctx, op.ID)
	case PendingRecoupGroup:
		return w.ProcessRecoupGroup(ctx, op.ID)
	default:
		return fmt.Errorf("unknown pending operation kind %q", op.Kind)
	}
}

func (w *Wallet) maybeUpdateKeys(ctx context.Context) error {
	if w.config.KeysUpdateInterval == 0 {
		return nil
	}
	if time.Since(w.lastKeysUpdate) < w.config.KeysUpdateInterval {
		return nil
	}
	var baseURLs []string
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		exchanges, err := walletdb.ListExchanges(tx)
		if err != nil {
			return err
		}
		for _, e := range exchanges {
			baseURLs = append(baseURLs, e.BaseURL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list exchanges: %w", err)
	}
	for _, baseURL := range baseURLs {
		if err := w.registry.UpdateKeys(ctx, baseURL); err != nil {
			w.log.Warn("keys update failed", "exchange", baseURL, "err", err)
		}
	}
	w.lastKeysUpdate = time.Now()
	return w.scheduleAutoRefresh(ctx)
}

// scheduleAutoRefresh melts fresh coins whose denomination is nearing
// its deposit expiry into longer-lived ones. Runs on the keys update
// cadence.
func (w *Wallet) scheduleAutoRefresh(ctx context.Context) error {
	now := time.Now()
	var groupID string
	err := w.store.Update(ctx, func(tx storage.Tx) error {
		coins, err := walletdb.ListCoins(tx)
		if err != nil {
			return err
		}
		var expiring []string
		for _, c := range coins {
			if c.Status != walletdb.CoinFresh || c.Suspended || c.CurrentAmount.IsZero() {
				continue
			}
			d, err := walletdb.GetDenomination(tx, c.ExchangeBaseURL, c.DenomPubHash)
			if err != nil {
				return err
			}
			if now.After(denomsel.AutoRefreshThreshold(d)) {
				expiring = append(expiring, c.CoinPub)
			}
		}
		if len(expiring) == 0 {
			return nil
		}
		groupID, err = refresh.CreateGroup(tx, expiring, walletdb.RefreshReasonScheduled)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to schedule expiry refresh: %w", err)
	}
	if groupID != "" {
		w.log.Info("scheduled expiry refresh", "refreshGroupID", groupID)
		w.notifier.Publish(notify.Event{Type: notify.EventRefreshGroupCreated, RefreshGroupID: groupID})
	}
	return nil
}
