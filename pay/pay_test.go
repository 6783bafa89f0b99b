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

package pay_test

import (
	"errors"
	"sort"
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
	engine   *pay.Engine
}

// newFixture wires a wallet against a fake exchange offering
// {8,4,2,1,0.1,0.01} with zero fees and a fake merchant.
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
	return &fixture{
		fake:     fake,
		shop:     shop,
		store:    store,
		withdraw: withdraw.NewEngine(store, provider, rpc, registry, notifier, slogt.New(t)),
		refresh:  refresh.NewEngine(store, provider, rpc, registry, notifier, slogt.New(t)),
		engine:   pay.NewEngine(store, provider, merchant.NewClient(rpc), notifier, slogt.New(t)),
	}
}

// fund withdraws the given amount into fresh coins.
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

// freshValues lists the values of all fresh coins, ascending.
func (f *fixture) freshValues(t *testing.T) []string {
	t.Helper()
	var out []string
	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		coins, err := walletdb.ListCoins(tx)
		if err != nil {
			return err
		}
		for _, c := range coins {
			if c.Status == walletdb.CoinFresh && !c.CurrentAmount.IsZero() {
				out = append(out, c.CurrentAmount.String())
			}
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func (f *fixture) freshTotal(t *testing.T) amount.Amount {
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
	return total
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

func TestPaySelectsGreedyLargestFirst(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	require.Equal(t, []string{"TESTKUDOS:1", "TESTKUDOS:2", "TESTKUDOS:4", "TESTKUDOS:8"}, f.freshValues(t))

	f.shop.AddOrder("order-1", "TESTKUDOS:5")
	proposal, err := f.engine.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-1", "", "s1")
	require.NoError(t, err)
	require.Equal(t, walletdb.ProposalProposed, proposal.Status)

	purchase, err := f.engine.AcceptPay(t.Context(), proposal.ProposalID, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, purchase.MerchantPaySig)
	require.True(t, f.shop.Paid("order-1", "s1"))

	contribs := make([]string, 0, len(purchase.PayCoinSelection.CoinContributions))
	for _, c := range purchase.PayCoinSelection.CoinContributions {
		contribs = append(contribs, c.String())
	}
	sort.Strings(contribs)
	require.Equal(t, []string{"TESTKUDOS:1", "TESTKUDOS:4"}, contribs)
	require.Equal(t, "TESTKUDOS:5", purchase.PayCoinSelection.PaymentAmount.String())

	// The unselected coins stay fresh; the spent ones are fully consumed.
	require.Equal(t, []string{"TESTKUDOS:2", "TESTKUDOS:8"}, f.freshValues(t))
}

func TestPartialSpendRefreshesChange(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")

	f.shop.AddOrder("order-1", "TESTKUDOS:5.5")
	proposal, err := f.engine.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-1", "", "s1")
	require.NoError(t, err)
	purchase, err := f.engine.AcceptPay(t.Context(), proposal.ProposalID, "s1")
	require.NoError(t, err)
	require.True(t, f.shop.Paid("order-1", "s1"))
	require.Len(t, purchase.PayCoinSelection.CoinPubs, 3)

	f.processRefreshes(t)
	// 15 funded, 5.5 paid, zero fees: the 0.5 residual of the partially
	// spent coin comes back as change.
	require.Equal(t, "TESTKUDOS:9.5", f.freshTotal(t).String())
}

func TestRepurchaseByFulfillmentURL(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")

	orderA := f.shop.AddOrder("order-a", "TESTKUDOS:5")
	orderA.FulfillmentURL = "https://shop.example/article"
	proposalA, err := f.engine.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-a", "", "s1")
	require.NoError(t, err)
	_, err = f.engine.AcceptPay(t.Context(), proposalA.ProposalID, "s1")
	require.NoError(t, err)
	freshAfterPay := f.freshTotal(t)

	orderB := f.shop.AddOrder("order-b", "TESTKUDOS:5")
	orderB.FulfillmentURL = "https://shop.example/article"
	proposalB, err := f.engine.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-b", "", "s2")
	require.NoError(t, err)
	require.Equal(t, walletdb.ProposalRepurchase, proposalB.Status)
	require.Equal(t, proposalA.ProposalID, proposalB.RepurchaseProposalID)

	purchase, err := f.engine.AcceptPay(t.Context(), proposalB.ProposalID, "s2")
	require.NoError(t, err)
	require.Equal(t, proposalA.ProposalID, purchase.ProposalID)
	require.Equal(t, "s2", purchase.LastSessionID)
	require.True(t, f.shop.Paid("order-a", "s2"))
	// Replay goes through /paid; no coin is spent again.
	require.Equal(t, freshAfterPay.String(), f.freshTotal(t).String())
}

func TestClaimConflictFailsProposal(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	f.shop.AddOrder("order-1", "TESTKUDOS:5")

	// Another wallet claims the order first.
	rival := merchant.NewClient(exchange.NewClient(nil, slogt.New(t)))
	_, err := rival.Claim(t.Context(), f.shop.BaseURL(), "order-1", &merchant.ClaimRequest{Nonce: "rival-nonce"})
	require.NoError(t, err)

	_, err = f.engine.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-1", "", "s1")
	require.ErrorIs(t, err, merchant.ErrOrderClaimed)

	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		p, err := walletdb.GetProposalByOrder(tx, f.shop.BaseURL(), "order-1")
		require.NoError(t, err)
		require.Equal(t, walletdb.ProposalPermanentlyFailed, p.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	f.shop.AddOrder("order-1", "TESTKUDOS:100")

	proposal, err := f.engine.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-1", "", "s1")
	require.NoError(t, err)

	_, err = f.engine.AcceptPay(t.Context(), proposal.ProposalID, "s1")
	var insufficientErr *pay.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficientErr)

	// The failed acceptance touched nothing.
	require.Equal(t, "TESTKUDOS:15", f.freshTotal(t).String())
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		p, err := walletdb.GetProposal(tx, proposal.ProposalID)
		require.NoError(t, err)
		require.Equal(t, walletdb.ProposalProposed, p.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestPayResumesAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	f.shop.AddOrder("order-1", "TESTKUDOS:5")
	proposal, err := f.engine.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-1", "", "s1")
	require.NoError(t, err)

	f.shop.FailNextPays = 1
	_, err = f.engine.AcceptPay(t.Context(), proposal.ProposalID, "s1")
	require.Error(t, err)
	var reqErr *exchange.RequestError
	require.True(t, errors.As(err, &reqErr))
	require.False(t, reqErr.Permanent())

	// Coins are committed, the submission is what failed.
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		p, err := walletdb.GetPurchase(tx, proposal.ProposalID)
		require.NoError(t, err)
		require.Empty(t, p.MerchantPaySig)
		require.False(t, p.PayFrozen)
		require.Equal(t, 1, p.PayRetry.Counter)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessPurchasePay(t.Context(), proposal.ProposalID))
	require.True(t, f.shop.Paid("order-1", "s1"))

	// Nothing was double-spent by the retry.
	f.processRefreshes(t)
	require.Equal(t, "TESTKUDOS:10", f.freshTotal(t).String())
}

func TestConflictRepairsSelectionWithSurvivingCoins(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "TESTKUDOS:15")
	f.shop.AddOrder("order-1", "TESTKUDOS:5")
	proposal, err := f.engine.DownloadProposal(t.Context(), f.shop.BaseURL(), "order-1", "", "s1")
	require.NoError(t, err)

	// Park the purchase unpaid, then knock out the selected 4-coin as if
	// another wallet restored from the same backup had spent it.
	f.shop.FailNextPays = 1
	_, err = f.engine.AcceptPay(t.Context(), proposal.ProposalID, "s1")
	require.Error(t, err)

	var lostCoin string
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		p, err := walletdb.GetPurchase(tx, proposal.ProposalID)
		require.NoError(t, err)
		for i, contribution := range p.PayCoinSelection.CoinContributions {
			if contribution.String() == "TESTKUDOS:4" {
				lostCoin = p.PayCoinSelection.CoinPubs[i]
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, lostCoin)
	err = f.store.Update(t.Context(), func(tx storage.Tx) error {
		c, err := walletdb.GetCoin(tx, lostCoin)
		if err != nil {
			return err
		}
		c.Suspended = true
		return walletdb.PutCoin(tx, c)
	})
	require.NoError(t, err)

	f.shop.ConflictNextPays = 1
	err = f.engine.ProcessPurchasePay(t.Context(), proposal.ProposalID)
	require.Error(t, err)

	// The repair replaced the lost coin and the purchase is payable again.
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		p, err := walletdb.GetPurchase(tx, proposal.ProposalID)
		require.NoError(t, err)
		require.False(t, p.PayFrozen)
		require.NotContains(t, p.PayCoinSelection.CoinPubs, lostCoin)
		require.Equal(t, "TESTKUDOS:5", p.PayCoinSelection.PaymentAmount.String())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessPurchasePay(t.Context(), proposal.ProposalID))
	require.True(t, f.shop.Paid("order-1", "s1"))

	// 15 funded, 5 paid, 4 lost with the suspended coin.
	f.processRefreshes(t)
	require.Equal(t, "TESTKUDOS:6", f.freshTotal(t).String())
}
