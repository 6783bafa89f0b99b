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

package recoup_test

import (
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto/circlrsa"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/exchangetest"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/recoup"
	"github.com/coinward/coinward/refresh"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/storage/gravstore"
	"github.com/coinward/coinward/walletdb"
	"github.com/coinward/coinward/withdraw"
)

type fixture struct {
	fake     *exchangetest.Exchange
	store    storage.Store
	registry *exchange.Registry
	withdraw *withdraw.Engine
	refresh  *refresh.Engine
	engine   *recoup.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := gravstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := exchangetest.New(t, "TESTKUDOS", "TESTKUDOS:8", "TESTKUDOS:1", "TESTKUDOS:0.2")

	notifier := notify.New()
	rpc := exchange.NewClient(nil, slogt.New(t))
	provider := circlrsa.New()
	registry := exchange.NewRegistry(store, rpc, provider, notifier, slogt.New(t))
	return &fixture{
		fake:     fake,
		store:    store,
		registry: registry,
		withdraw: withdraw.NewEngine(store, provider, rpc, registry, notifier, slogt.New(t)),
		refresh:  refresh.NewEngine(store, provider, rpc, registry, notifier, slogt.New(t)),
		engine:   recoup.NewEngine(store, provider, rpc, notifier, slogt.New(t)),
	}
}

// withdrawEight puts one fresh 8-coin into the wallet and returns it.
func (f *fixture) withdrawEight(t *testing.T) *walletdb.Coin {
	t.Helper()
	reserve, err := f.withdraw.AcceptManualWithdrawal(t.Context(), f.fake.BaseURL(), amount.MustParse("TESTKUDOS:8"))
	require.NoError(t, err)
	f.fake.FundReserve(reserve.ReservePub, amount.MustParse("TESTKUDOS:8"))
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

	var coin *walletdb.Coin
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		coins, err := walletdb.ListCoins(tx)
		require.NoError(t, err)
		for _, c := range coins {
			if c.Status == walletdb.CoinFresh && c.CurrentAmount.String() == "TESTKUDOS:8" {
				coin = c
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, coin)
	return coin
}

// recoupGroups lists all recoup group ids.
func (f *fixture) recoupGroups(t *testing.T) []*walletdb.RecoupGroup {
	t.Helper()
	var groups []*walletdb.RecoupGroup
	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		var err error
		groups, err = walletdb.ListRecoupGroups(tx)
		return err
	})
	require.NoError(t, err)
	return groups
}

func TestRecoupWithdrawnCoinRestoresReserve(t *testing.T) {
	f := newFixture(t)
	coin := f.withdrawEight(t)
	reservePub := coin.Source.ReservePub

	f.fake.OnRecoup = func(coinPub string, req exchange.RecoupRequest) (exchange.RecoupResponse, bool) {
		require.False(t, req.Refreshed)
		return exchange.RecoupResponse{ReservePub: reservePub}, true
	}

	f.fake.Revoke(coin.DenomPubHash)
	require.NoError(t, f.registry.UpdateKeys(t.Context(), f.fake.BaseURL()))

	groups := f.recoupGroups(t)
	require.Len(t, groups, 1)
	require.NoError(t, f.engine.ProcessGroup(t.Context(), groups[0].ID))

	groups = f.recoupGroups(t)
	require.NotNil(t, groups[0].TimestampFinished)
	require.True(t, f.fake.Recouped(coin.CoinPub))

	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		c, err := walletdb.GetCoin(tx, coin.CoinPub)
		require.NoError(t, err)
		require.True(t, c.CurrentAmount.IsZero())

		r, err := walletdb.GetReserve(tx, reservePub)
		require.NoError(t, err)
		require.True(t, r.RequestedQuery)
		return nil
	})
	require.NoError(t, err)

	// The exchange put the value back into the reserve; the reserve query
	// turns it into coins of the remaining denominations.
	balance, ok := f.fake.ReserveBalance(reservePub)
	require.True(t, ok)
	require.Equal(t, "TESTKUDOS:8", balance.String())
	require.NoError(t, f.withdraw.ProcessReserve(t.Context(), reservePub))
}

func TestRecoupRefreshedCoinCreditsAncestor(t *testing.T) {
	f := newFixture(t)
	old := f.withdrawEight(t)

	// Partially spend the 8 and refresh the 2.5 residual into 1+1+0.2+0.2
	// (0.1 is written off as dust).
	err := f.store.Update(t.Context(), func(tx storage.Tx) error {
		c, err := walletdb.GetCoin(tx, old.CoinPub)
		if err != nil {
			return err
		}
		c.CurrentAmount = amount.MustParse("TESTKUDOS:2.5")
		return walletdb.PutCoin(tx, c)
	})
	require.NoError(t, err)
	var refreshID string
	err = f.store.Update(t.Context(), func(tx storage.Tx) error {
		var err error
		refreshID, err = refresh.CreateGroup(tx, []string{old.CoinPub}, walletdb.RefreshReasonManual)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, f.refresh.ProcessGroup(t.Context(), refreshID))

	var oneHash string
	for _, d := range f.fake.Denoms() {
		if d.Value.String() == "TESTKUDOS:1" {
			oneHash = d.Hash
		}
	}
	require.NotEmpty(t, oneHash)

	f.fake.OnRecoup = func(coinPub string, req exchange.RecoupRequest) (exchange.RecoupResponse, bool) {
		require.True(t, req.Refreshed)
		return exchange.RecoupResponse{OldCoinPub: old.CoinPub}, true
	}
	f.fake.Revoke(oneHash)
	require.NoError(t, f.registry.UpdateKeys(t.Context(), f.fake.BaseURL()))

	groups := f.recoupGroups(t)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].CoinPubs, 2)
	require.NoError(t, f.engine.ProcessGroup(t.Context(), groups[0].ID))

	groups = f.recoupGroups(t)
	require.NotNil(t, groups[0].TimestampFinished)
	require.Equal(t, []string{old.CoinPub}, groups[0].ScheduleRefreshCoins)

	// The ancestor got both credits and went straight into a new refresh
	// group for them.
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		refreshGroups, err := walletdb.ListRefreshGroups(tx)
		require.NoError(t, err)
		for _, g := range refreshGroups {
			if g.Reason == walletdb.RefreshReasonRecoup {
				require.Equal(t, []string{old.CoinPub}, g.OldCoinPubs)
				require.Equal(t, "TESTKUDOS:2", g.InputPerCoin[0].String())
				return nil
			}
		}
		t.Fatal("no recoup refresh group found")
		return nil
	})
	require.NoError(t, err)
}

func TestTipCoinsAreSuspendedNotRecouped(t *testing.T) {
	f := newFixture(t)
	coin := f.withdrawEight(t)

	// Rewrite the coin as tip-sourced; tips carry no withdrawal proof.
	err := f.store.Update(t.Context(), func(tx storage.Tx) error {
		c, err := walletdb.GetCoin(tx, coin.CoinPub)
		if err != nil {
			return err
		}
		c.Source = walletdb.CoinSource{Type: walletdb.CoinSourceTip, WalletTipID: "tip-1"}
		return walletdb.PutCoin(tx, c)
	})
	require.NoError(t, err)

	f.fake.Revoke(coin.DenomPubHash)
	require.NoError(t, f.registry.UpdateKeys(t.Context(), f.fake.BaseURL()))

	groups := f.recoupGroups(t)
	require.Len(t, groups, 1)
	require.NoError(t, f.engine.ProcessGroup(t.Context(), groups[0].ID))

	groups = f.recoupGroups(t)
	require.NotNil(t, groups[0].TimestampFinished)
	require.False(t, f.fake.Recouped(coin.CoinPub))

	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		c, err := walletdb.GetCoin(tx, coin.CoinPub)
		require.NoError(t, err)
		require.True(t, c.Suspended)
		return nil
	})
	require.NoError(t, err)
}
