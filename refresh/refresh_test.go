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

package refresh_test

import (
	"sort"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto/circlrsa"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/exchangetest"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/refresh"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/storage/gravstore"
	"github.com/coinward/coinward/walletdb"
	"github.com/coinward/coinward/withdraw"
)

type fixture struct {
	fake     *exchangetest.Exchange
	store    storage.Store
	withdraw *withdraw.Engine
	engine   *refresh.Engine
}

// newFixture wires a wallet against a fake exchange with denominations
// 8, 1 and 0.2 where melting an 8 costs 0.1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := gravstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := exchangetest.New(t, "TESTKUDOS")
	eight := fake.AddDenom("TESTKUDOS:8")
	eight.FeeRefresh = amount.MustParse("TESTKUDOS:0.1")
	fake.AddDenom("TESTKUDOS:1")
	fake.AddDenom("TESTKUDOS:0.2")

	notifier := notify.New()
	client := exchange.NewClient(nil, slogt.New(t))
	provider := circlrsa.New()
	registry := exchange.NewRegistry(store, client, provider, notifier, slogt.New(t))
	return &fixture{
		fake:     fake,
		store:    store,
		withdraw: withdraw.NewEngine(store, provider, client, registry, notifier, slogt.New(t)),
		engine:   refresh.NewEngine(store, provider, client, registry, notifier, slogt.New(t)),
	}
}

// withdrawEight puts one fresh 8-coin into the wallet and returns its pub.
func (f *fixture) withdrawEight(t *testing.T) string {
	t.Helper()
	reserve, err := f.withdraw.AcceptManualWithdrawal(t.Context(), f.fake.BaseURL(), amount.MustParse("TESTKUDOS:8"))
	require.NoError(t, err)
	f.fake.FundReserve(reserve.ReservePub, amount.MustParse("TESTKUDOS:8"))
	require.NoError(t, f.withdraw.ProcessReserve(t.Context(), reserve.ReservePub))

	var groupID string
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		groups, err := walletdb.ListWithdrawalGroups(tx)
		require.NoError(t, err)
		groupID = groups[len(groups)-1].ID
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.withdraw.ProcessWithdrawalGroup(t.Context(), groupID))

	var coinPub string
	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		coins, err := walletdb.ListCoins(tx)
		require.NoError(t, err)
		for _, c := range coins {
			if c.Status == walletdb.CoinFresh && c.CurrentAmount.String() == "TESTKUDOS:8" {
				coinPub = c.CoinPub
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, coinPub)
	return coinPub
}

// setResidual simulates a partial spend by lowering a coin's residual
// value directly.
func (f *fixture) setResidual(t *testing.T, coinPub, residual string) {
	t.Helper()
	err := f.store.Update(t.Context(), func(tx storage.Tx) error {
		c, err := walletdb.GetCoin(tx, coinPub)
		if err != nil {
			return err
		}
		c.CurrentAmount = amount.MustParse(residual)
		return walletdb.PutCoin(tx, c)
	})
	require.NoError(t, err)
}

func (f *fixture) createGroup(t *testing.T, coinPub string) string {
	t.Helper()
	var groupID string
	err := f.store.Update(t.Context(), func(tx storage.Tx) error {
		var err error
		groupID, err = refresh.CreateGroup(tx, []string{coinPub}, walletdb.RefreshReasonManual)
		return err
	})
	require.NoError(t, err)
	return groupID
}

func (f *fixture) freshCoinsFrom(t *testing.T, oldCoinPub string) []*walletdb.Coin {
	t.Helper()
	var out []*walletdb.Coin
	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		coins, err := walletdb.ListCoins(tx)
		if err != nil {
			return err
		}
		for _, c := range coins {
			if c.Source.Type == walletdb.CoinSourceRefresh && c.Source.OldCoinPub == oldCoinPub {
				out = append(out, c)
			}
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRefreshEndToEnd(t *testing.T) {
	f := newFixture(t)
	coinPub := f.withdrawEight(t)
	f.setResidual(t, coinPub, "TESTKUDOS:2.5")

	groupID := f.createGroup(t, coinPub)
	require.NotEmpty(t, groupID)

	// Creating the group already zeroes the old coin.
	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		c, err := walletdb.GetCoin(tx, coinPub)
		require.NoError(t, err)
		require.Equal(t, walletdb.CoinDormant, c.Status)
		require.True(t, c.CurrentAmount.IsZero())

		g, err := walletdb.GetRefreshGroup(tx, groupID)
		require.NoError(t, err)
		require.Equal(t, "TESTKUDOS:2.5", g.InputPerCoin[0].String())
		require.Equal(t, "TESTKUDOS:2.4", g.EstimatedOutputPerCoin[0].String())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessGroup(t.Context(), groupID))

	// 2.5 minus the 0.1 melt fee yields 2x1 + 2x0.2.
	coins := f.freshCoinsFrom(t, coinPub)
	var values []string
	for _, c := range coins {
		values = append(values, c.CurrentAmount.String())
		require.Equal(t, walletdb.CoinFresh, c.Status)
	}
	sort.Strings(values)
	require.Equal(t, []string{"TESTKUDOS:0.2", "TESTKUDOS:0.2", "TESTKUDOS:1", "TESTKUDOS:1"}, values)

	err = f.store.View(t.Context(), func(tx storage.ReadTx) error {
		g, err := walletdb.GetRefreshGroup(tx, groupID)
		require.NoError(t, err)
		require.True(t, g.Finished())
		require.NotNil(t, g.TimestampFinished)
		return nil
	})
	require.NoError(t, err)
}

func TestRefreshResumesAfterRevealFailure(t *testing.T) {
	f := newFixture(t)
	coinPub := f.withdrawEight(t)
	f.setResidual(t, coinPub, "TESTKUDOS:2.5")
	groupID := f.createGroup(t, coinPub)

	f.fake.FailNextReveals = 1
	require.Error(t, f.engine.ProcessGroup(t.Context(), groupID))

	// The melt went through; the session must carry the noreveal index.
	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		g, err := walletdb.GetRefreshGroup(tx, groupID)
		require.NoError(t, err)
		require.Equal(t, walletdb.RefreshPending, g.StatusPerCoin[0])
		require.NotNil(t, g.SessionPerCoin[0])
		require.NotNil(t, g.SessionPerCoin[0].NorevealIndex)
		require.Equal(t, 1, g.Retry.Counter)
		return nil
	})
	require.NoError(t, err)

	// The retry resumes with the identical commitment and succeeds.
	require.NoError(t, f.engine.ProcessGroup(t.Context(), groupID))
	require.Len(t, f.freshCoinsFrom(t, coinPub), 4)
}

func TestRefreshDustWriteOff(t *testing.T) {
	f := newFixture(t)
	coinPub := f.withdrawEight(t)
	f.setResidual(t, coinPub, "TESTKUDOS:0.05")

	groupID := f.createGroup(t, coinPub)
	require.Empty(t, groupID)

	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		c, err := walletdb.GetCoin(tx, coinPub)
		require.NoError(t, err)
		require.Equal(t, walletdb.CoinDormant, c.Status)
		require.True(t, c.CurrentAmount.IsZero())

		groups, err := walletdb.ListRefreshGroups(tx)
		require.NoError(t, err)
		require.Empty(t, groups)
		return nil
	})
	require.NoError(t, err)
}

func TestMeltRejectionFreezesCoin(t *testing.T) {
	f := newFixture(t)
	coinPub := f.withdrawEight(t)
	f.setResidual(t, coinPub, "TESTKUDOS:2.5")
	groupID := f.createGroup(t, coinPub)

	// Revoke on the exchange side only: the melt gets a 404.
	var eightHash string
	for _, d := range f.fake.Denoms() {
		if d.Value.String() == "TESTKUDOS:8" {
			eightHash = d.Hash
		}
	}
	f.fake.Revoke(eightHash)

	require.NoError(t, f.engine.ProcessGroup(t.Context(), groupID))

	err := f.store.View(t.Context(), func(tx storage.ReadTx) error {
		g, err := walletdb.GetRefreshGroup(tx, groupID)
		require.NoError(t, err)
		require.Equal(t, walletdb.RefreshFrozen, g.StatusPerCoin[0])
		require.True(t, g.Frozen())
		require.Nil(t, g.TimestampFinished)
		require.NotNil(t, g.LastError)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, f.freshCoinsFrom(t, coinPub))
}
