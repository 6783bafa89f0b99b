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

package refund_test

import (
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto/circlrsa"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/exchangetest"
	"github.com/coinward/coinward/merchant"
	"github.com/coinward/coinward/merchanttest"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/pay"
	"github.com/coinward/coinward/refresh"
	"github.com/coinward/coinward/refund"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/storage/gravstore"
	"github.com/coinward/coinward/walletdb"
	"github.com/coinward/coinward/withdraw"
)

type fixture struct {
	fake     *exchangetest.Exchange
	shop     *merchanttest.Merchant
	store    storage.Store
	withdraw *withdraw.Engine
	refresh  *refresh.Engine
	pay      *pay.Engine
	engine   *refund.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := gravstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := exchangetest.New(t, "TESTKUDOS",
		"TESTKUDOS:8", "TESTKUDOS:4", "TESTKUDOS:2", "TESTKUDOS:1", "TESTKUDOS:0.1", "TESTKUDOS:0.01")
	shop := merchanttest.New(t)

	notifier := notify.New()
	rpc := exchange.NewClient(nil, slogt.New(t))
	provider := circlrsa.New()
	registry := exchange.NewRegistry(store, rpc, provider, notifier, slogt.New(t))
	mc := merchant.NewClient(rpc)
	return &fixture{
		fake:     fake,
		shop:     shop,
		store:    store,
		withdraw: withdraw.NewEngine(store, provider, rpc, registry, notifier, slogt.New(t)),
		refresh:  refresh.NewEngine(store, provider, rpc, registry, notifier, slogt.New(t)),
		pay:      pay.NewEngine(store, provider, mc, notifier, slogt.New(t)),
		engine:   refund.NewEngine(store, mc, notifier, slogt.New(t)),
	}
}

func (f *fixture) fund(t *testing.T, amountStr string) {
	t.Helper()
	amt := amount.MustParse(amountStr)
	reserve, err := f.withdraw.AcceptManualWithdrawal(t.Context(), f.fake.BaseURL(), amt)
	require.NoError(t, err)
	f.fake.FundReserve(reserve.ReservePub, amt)
	require.NoError(t, f.withdraw.ProcessReserve(t.Context(), reserve.ReservePub))
	var ids []string
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		groups, err := walletdb.ListWithdrawalGroups(tx)
		require.NoError(t, err)
		for _, g := range groups {
			ids = append(ids, g.ID)
		}
		return nil
	})
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, f.withdraw.ProcessWithdrawalGroup(t.Context(), id))
	}
}

// payOrder pays a freshly added order and returns the purchase.
func (f *fixture) payOrder(t *testing.T, orderID, amountStr string) *walletdb.Purchase {
	t.Helper()
	f.shop.AddOrder(orderID, amountStr)
	proposal, err := f.pay.DownloadProposal(t.Context(), f.shop.BaseURL(), orderID, "", "s1")
	require.NoError(t, err)
	purchase, err := f.pay.AcceptPay(t.Context(), proposal.ProposalID, "s1")
	require.NoError(t, err)
	return purchase
}

func (f *fixture) getPurchase(t *testing.T, proposalID string) *walletdb.Purchase {
	t.Helper()
	var p *walletdb.Purchase
	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		var err error
		p, err = walletdb.GetPurchase(tx, proposalID)
		return err
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) processRefreshes(t *testing.T) {
	t.Helper()
	var ids []string
	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		groups, err := walletdb.ListRefreshGroups(tx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			ids = append(ids, g.ID)
		}
		return nil
	})
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, f.refresh.ProcessGroup(t.Context(), id))
	}
}

func (f *fixture) freshTotal(t *testing.T) string {
	t.Helper()
	total := amount.Zero("TESTKUDOS")
	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		coins, err := walletdb.ListCoins(tx)
		if err != nil {
			return err
		}
		for _, c := range coins {
			if c.Status == walletdb.CoinFresh {
				total, err = amount.Add(total, c.CurrentAmount)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	return total.String()
}

// contributionCoin finds the selected coin that contributed the given
// amount.
func contributionCoin(t *testing.T, p *walletdb.Purchase, contribution string) string {
	t.Helper()
	for i, c := range p.PayCoinSelection.CoinContributions {
		if c.String() == contribution {
			return p.PayCoinSelection.CoinPubs[i]
		}
	}
	t.Fatalf("no coin contributed %s", contribution)
	return ""
}

func TestRefundAppliedOnceAndIdempotent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	purchase := f.payOrder(t, "order-1", "TESTKUDOS:5")
	coinPub := contributionCoin(t, purchase, "TESTKUDOS:4")

	rtx := f.shop.GrantRefund("order-1", coinPub, "TESTKUDOS:4")
	require.NoError(t, f.engine.RequestRefundQuery(t.Context(), purchase.ProposalID))
	require.NoError(t, f.engine.ProcessPurchaseRefund(t.Context(), purchase.ProposalID))

	p := f.getPurchase(t, purchase.ProposalID)
	item, ok := p.Refunds[walletdb.RefundKey(coinPub, rtx)]
	require.True(t, ok)
	require.Equal(t, walletdb.RefundApplied, item.State)
	require.Equal(t, "TESTKUDOS:4", item.RefundAmount.String())
	require.False(t, p.RefundQueryRequested)

	f.processRefreshes(t)
	// 15 funded, 5 paid, 4 refunded with zero fees.
	require.Equal(t, "TESTKUDOS:14", f.freshTotal(t))

	// Replaying the same report must not credit again.
	require.NoError(t, f.engine.RequestRefundQuery(t.Context(), purchase.ProposalID))
	require.NoError(t, f.engine.ProcessPurchaseRefund(t.Context(), purchase.ProposalID))
	f.processRefreshes(t)
	require.Equal(t, "TESTKUDOS:14", f.freshTotal(t))
	p = f.getPurchase(t, purchase.ProposalID)
	require.Len(t, p.Refunds, 1)
}

func TestRefundFeeIsCharged(t *testing.T) {
	f := newFixture(t)
	for _, d := range f.fake.Denoms() {
		if d.Value.String() == "TESTKUDOS:4" {
			d.FeeRefund = amount.MustParse("TESTKUDOS:0.5")
		}
	}
	f.fund(t, "TESTKUDOS:15")
	purchase := f.payOrder(t, "order-1", "TESTKUDOS:5")
	coinPub := contributionCoin(t, purchase, "TESTKUDOS:4")

	rtx := f.shop.GrantRefund("order-1", coinPub, "TESTKUDOS:4")
	require.NoError(t, f.engine.RequestRefundQuery(t.Context(), purchase.ProposalID))
	require.NoError(t, f.engine.ProcessPurchaseRefund(t.Context(), purchase.ProposalID))

	p := f.getPurchase(t, purchase.ProposalID)
	item := p.Refunds[walletdb.RefundKey(coinPub, rtx)]
	require.Equal(t, walletdb.RefundApplied, item.State)
	require.Equal(t, "TESTKUDOS:0.5", item.RefundFee.String())

	f.processRefreshes(t)
	// Only 3.5 of the 4 comes back.
	require.Equal(t, "TESTKUDOS:13.5", f.freshTotal(t))
}

func TestRefundFailure4xxIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	purchase := f.payOrder(t, "order-1", "TESTKUDOS:5")
	coinPub := contributionCoin(t, purchase, "TESTKUDOS:4")

	rtx := f.shop.FailRefund("order-1", coinPub, "TESTKUDOS:4", 410, 0)
	require.NoError(t, f.engine.RequestRefundQuery(t.Context(), purchase.ProposalID))
	require.NoError(t, f.engine.ProcessPurchaseRefund(t.Context(), purchase.ProposalID))

	p := f.getPurchase(t, purchase.ProposalID)
	item := p.Refunds[walletdb.RefundKey(coinPub, rtx)]
	require.Equal(t, walletdb.RefundFailed, item.State)
	require.False(t, p.RefundQueryRequested)
	require.Equal(t, "TESTKUDOS:10", f.freshTotal(t))
}

func TestRefundFailure5xxStaysPending(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	purchase := f.payOrder(t, "order-1", "TESTKUDOS:5")
	coinPub := contributionCoin(t, purchase, "TESTKUDOS:4")

	rtx := f.shop.FailRefund("order-1", coinPub, "TESTKUDOS:4", 503, 0)
	require.NoError(t, f.engine.RequestRefundQuery(t.Context(), purchase.ProposalID))
	require.NoError(t, f.engine.ProcessPurchaseRefund(t.Context(), purchase.ProposalID))

	p := f.getPurchase(t, purchase.ProposalID)
	item := p.Refunds[walletdb.RefundKey(coinPub, rtx)]
	require.Equal(t, walletdb.RefundPending, item.State)
	require.True(t, p.RefundQueryRequested)
	require.Equal(t, 1, p.RefundRetry.Counter)
}

func TestAbortRestoresUndepositedContributions(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	f.shop.AddOrder("order-1", "TESTKUDOS:5")
	proposal, err := f.pay.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-1", "", "s1")
	require.NoError(t, err)

	// The pay submission dies before the merchant records anything, so no
	// deposit ever happened.
	f.shop.FailNextPays = 1
	_, err = f.pay.AcceptPay(t.Context(), proposal.ProposalID, "s1")
	require.Error(t, err)

	require.NoError(t, f.pay.AbortPurchase(t.Context(), proposal.ProposalID))
	require.NoError(t, f.engine.ProcessPurchaseRefund(t.Context(), proposal.ProposalID))

	p := f.getPurchase(t, proposal.ProposalID)
	require.Equal(t, walletdb.AbortFinished, p.AbortStatus)
	for _, item := range p.Refunds {
		require.Equal(t, walletdb.RefundFailed, item.State)
	}

	f.processRefreshes(t)
	// Deposit-not-found restores the contributions directly; nothing was
	// lost beyond fees, which are zero here.
	require.Equal(t, "TESTKUDOS:15", f.freshTotal(t))
	require.False(t, f.shop.Paid("order-1", "s1"))
}

func TestAbortRefundsDepositedCoins(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	purchase := f.payOrder(t, "order-1", "TESTKUDOS:5")

	require.NoError(t, f.pay.AbortPurchase(t.Context(), purchase.ProposalID))
	require.NoError(t, f.engine.ProcessPurchaseRefund(t.Context(), purchase.ProposalID))

	p := f.getPurchase(t, purchase.ProposalID)
	require.Equal(t, walletdb.AbortFinished, p.AbortStatus)
	for _, item := range p.Refunds {
		require.Equal(t, walletdb.RefundApplied, item.State)
	}

	f.processRefreshes(t)
	require.Equal(t, "TESTKUDOS:15", f.freshTotal(t))
}
