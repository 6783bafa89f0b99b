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

// Package coinward is an e-cash wallet core. A Wallet owns the wallet
// database and one engine per protocol concern (withdraw, pay, refresh,
// refund, recoup) and drives them through explicit operations plus a
// retry-scheduled ProcessPending loop.
package coinward

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/crypto/circlrsa"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/merchant"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/pay"
	"github.com/coinward/coinward/recoup"
	"github.com/coinward/coinward/refresh"
	"github.com/coinward/coinward/refund"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/storage/gravstore"
	"github.com/coinward/coinward/storage/pgstore"
	"github.com/coinward/coinward/walletdb"
	"github.com/coinward/coinward/withdraw"
)

// Wallet is the top-level handle. All methods are safe for concurrent use;
// operations touching the same reserve, group or purchase are serialized
// so that no entity is processed twice at once.
type Wallet struct {
	config   Config
	store    storage.Store
	provider crypto.Provider
	notifier *notify.Notifier
	log      *slog.Logger

	httpClient *http.Client
	rpc        *exchange.Client
	registry   *exchange.Registry

	withdraw *withdraw.Engine
	refresh  *refresh.Engine
	pay      *pay.Engine
	refund   *refund.Engine
	recoup   *recoup.Engine

	ops *opGuard

	lastKeysUpdate time.Time
}

// New opens the wallet database named by the config and wires up the
// engines. The caller must Close the wallet when done.
func New(ctx context.Context, config Config, opts ...Option) (*Wallet, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	w := &Wallet{
		config:   config,
		notifier: notify.New(),
		log:      slog.Default(),
		ops:      newOpGuard(),
	}
	for _, opt := range opts {
		if err := opt(w, &config); err != nil {
			return nil, err
		}
	}
	if w.provider == nil {
		w.provider = circlrsa.New()
	}
	if w.store == nil {
		store, err := openStore(ctx, config.Storage)
		if err != nil {
			return nil, err
		}
		w.store = store
	}
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: config.HTTPTimeout}
	}
	w.rpc = exchange.NewClient(w.httpClient, w.log)

	w.registry = exchange.NewRegistry(w.store, w.rpc, w.provider, w.notifier, w.log)
	mc := merchant.NewClient(w.rpc)
	w.withdraw = withdraw.NewEngine(w.store, w.provider, w.rpc, w.registry, w.notifier, w.log)
	w.refresh = refresh.NewEngine(w.store, w.provider, w.rpc, w.registry, w.notifier, w.log)
	w.pay = pay.NewEngine(w.store, w.provider, mc, w.notifier, w.log)
	w.refund = refund.NewEngine(w.store, mc, w.notifier, w.log)
	w.recoup = recoup.NewEngine(w.store, w.provider, w.rpc, w.notifier, w.log)

	for _, baseURL := range config.ExchangeBaseURLs {
		if err := w.registry.UpdateKeys(ctx, baseURL); err != nil {
			return nil, fmt.Errorf("failed to fetch keys for %s: %w", baseURL, err)
		}
	}
	if len(config.ExchangeBaseURLs) > 0 {
		w.lastKeysUpdate = time.Now()
	}
	return w, nil
}

func openStore(ctx context.Context, config StorageConfig) (storage.Store, error) {
	switch config.Backend {
	case StorageGraviton, "":
		return gravstore.Open(config.Path)
	case StoragePostgres:
		return pgstore.Open(ctx, config.DSN)
	case StorageMemory:
		return gravstore.OpenInMemory()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Backend)
	}
}

// Close releases the wallet database. In-flight operations are not waited
// for; cancel their contexts first.
func (w *Wallet) Close() error {
	return w.store.Close()
}

// Subscribe returns a channel of wallet events and a cancel function. See
// the notify package for the event vocabulary.
func (w *Wallet) Subscribe() (<-chan notify.Event, func()) {
	return w.notifier.Subscribe(w.config.NotificationBuffer)
}

// AddExchange fetches and verifies the exchange's keys and records it in
// the wallet database. Calling it again refreshes the denomination ledger.
func (w *Wallet) AddExchange(ctx context.Context, exchangeBaseURL string) error {
	return w.registry.UpdateKeys(ctx, exchangeBaseURL)
}

// AcceptManualWithdrawal creates a reserve for a wire transfer the user
// will make by hand and returns the payto details the user needs.
func (w *Wallet) AcceptManualWithdrawal(ctx context.Context, exchangeBaseURL string, instructed amount.Amount) (*walletdb.Reserve, error) {
	return w.withdraw.AcceptManualWithdrawal(ctx, exchangeBaseURL, instructed)
}

// AcceptBankIntegratedWithdrawal starts a withdrawal the user initiated
// at their bank, identified by the bank's status URL for the operation.
// An empty exchangeBaseURL picks the bank's suggested exchange.
func (w *Wallet) AcceptBankIntegratedWithdrawal(ctx context.Context, bankStatusURL, exchangeBaseURL string) (*walletdb.Reserve, error) {
	return w.withdraw.AcceptBankIntegratedWithdrawal(ctx, bankStatusURL, exchangeBaseURL)
}

// ProcessReserve advances one reserve: bank registration, status polling,
// and kicking off the withdrawal group once funds arrive.
func (w *Wallet) ProcessReserve(ctx context.Context, reservePub string) error {
	return w.ops.run("reserve", reservePub, func() error {
		return w.withdraw.ProcessReserve(ctx, reservePub)
	})
}

// ProcessWithdrawalGroup withdraws all outstanding planchets of a group.
func (w *Wallet) ProcessWithdrawalGroup(ctx context.Context, groupID string) error {
	return w.ops.run("withdrawal-group", groupID, func() error {
		return w.withdraw.ProcessWithdrawalGroup(ctx, groupID)
	})
}

// DownloadProposal claims a merchant order and stores its contract terms.
func (w *Wallet) DownloadProposal(ctx context.Context, merchantBaseURL, orderID, claimToken, sessionID string) (*walletdb.Proposal, error) {
	return w.pay.DownloadProposal(ctx, merchantBaseURL, orderID, claimToken, sessionID)
}

// RefuseProposal marks a downloaded proposal as refused by the user.
func (w *Wallet) RefuseProposal(ctx context.Context, proposalID string) error {
	return w.pay.RefuseProposal(ctx, proposalID)
}

// AcceptPay accepts a proposal and pays for it, or replays an earlier
// payment for a repurchase.
func (w *Wallet) AcceptPay(ctx context.Context, proposalID, sessionID string) (*walletdb.Purchase, error) {
	var purchase *walletdb.Purchase
	err := w.ops.run("purchase-pay", proposalID, func() error {
		var err error
		purchase, err = w.pay.AcceptPay(ctx, proposalID, sessionID)
		return err
	})
	return purchase, err
}

// AbortPurchase stops paying for a purchase and asks the merchant to
// refund whatever was already deposited.
func (w *Wallet) AbortPurchase(ctx context.Context, proposalID string) error {
	return w.ops.run("purchase-pay", proposalID, func() error {
		return w.pay.AbortPurchase(ctx, proposalID)
	})
}

// RequestRefundQuery asks for the merchant's refund state for a purchase
// to be fetched on the next refund pass.
func (w *Wallet) RequestRefundQuery(ctx context.Context, proposalID string) error {
	return w.refund.RequestRefundQuery(ctx, proposalID)
}

// ProcessPurchaseRefund fetches and applies the merchant's refund state.
func (w *Wallet) ProcessPurchaseRefund(ctx context.Context, proposalID string) error {
	return w.ops.run("purchase-refund", proposalID, func() error {
		return w.refund.ProcessPurchaseRefund(ctx, proposalID)
	})
}

// ProcessRefreshGroup melts and reveals all coins of a refresh group.
func (w *Wallet) ProcessRefreshGroup(ctx context.Context, groupID string) error {
	return w.ops.run("refresh-group", groupID, func() error {
		return w.refresh.ProcessGroup(ctx, groupID)
	})
}

// ProcessRecoupGroup recovers the value of all coins in a recoup group.
func (w *Wallet) ProcessRecoupGroup(ctx context.Context, groupID string) error {
	return w.ops.run("recoup-group", groupID, func() error {
		return w.recoup.ProcessGroup(ctx, groupID)
	})
}

// Balance sums the spendable value of all fresh, unsuspended coins per
// currency.
func (w *Wallet) Balance(ctx context.Context) (map[string]amount.Amount, error) {
	balances := make(map[string]amount.Amount)
	err := w.store.View(ctx, func(tx storage.ReadTx) error {
		coins, err := walletdb.ListCoins(tx)
		if err != nil {
			return err
		}
		for _, c := range coins {
			if c.Status != walletdb.CoinFresh || c.Suspended || c.CurrentAmount.IsZero() {
				continue
			}
			cur := c.CurrentAmount.Currency
			b, ok := balances[cur]
			if !ok {
				b = amount.Zero(cur)
			}
			sum, err := amount.Add(b, c.CurrentAmount)
			if err != nil {
				return err
			}
			balances[cur] = sum
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute balance: %w", err)
	}
	return balances, nil
}
