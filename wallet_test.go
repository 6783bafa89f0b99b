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

package coinward_test

import (
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/coinward/coinward"
	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/exchangetest"
	"github.com/coinward/coinward/merchanttest"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/storage/gravstore"
	"github.com/coinward/coinward/walletdb"
)

func newWallet(t *testing.T, fake *exchangetest.Exchange) *coinward.Wallet {
	t.Helper()
	config := coinward.DefaultConfig()
	config.Currency = "TESTKUDOS"
	config.Storage = coinward.StorageConfig{Backend: coinward.StorageMemory}
	config.ExchangeBaseURLs = []string{fake.BaseURL()}
	w, err := coinward.New(t.Context(), config, coinward.WithLogger(slogt.New(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// drainPending runs pending passes until nothing is due anymore.
func drainPending(t *testing.T, w *coinward.Wallet) {
	t.Helper()
	for range 10 {
		require.NoError(t, w.ProcessPending(t.Context()))
		pending, err := w.PendingOperations(t.Context())
		require.NoError(t, err)
		if len(pending) == 0 {
			return
		}
	}
	t.Fatal("pending operations did not drain")
}

func balance(t *testing.T, w *coinward.Wallet) string {
	t.Helper()
	balances, err := w.Balance(t.Context())
	require.NoError(t, err)
	b, ok := balances["TESTKUDOS"]
	if !ok {
		return amount.Zero("TESTKUDOS").String()
	}
	return b.String()
}

func TestWalletWithdrawAndPay(t *testing.T) {
	fake := exchangetest.New(t, "TESTKUDOS",
		"TESTKUDOS:8", "TESTKUDOS:4", "TESTKUDOS:2", "TESTKUDOS:1")
	w := newWallet(t, fake)

	reserve, err := w.AcceptManualWithdrawal(t.Context(), fake.BaseURL(), amount.MustParse("TESTKUDOS:15"))
	require.NoError(t, err)
	fake.FundReserve(reserve.ReservePub, amount.MustParse("TESTKUDOS:15"))

	drainPending(t, w)
	require.Equal(t, "TESTKUDOS:15", balance(t, w))

	shop := merchanttest.New(t)
	shop.AddOrder("order-1", "TESTKUDOS:5")
	proposal, err := w.DownloadProposal(t.Context(), shop.BaseURL(), "order-1", "", "s1")
	require.NoError(t, err)
	require.Equal(t, walletdb.ProposalProposed, proposal.Status)

	_, err = w.AcceptPay(t.Context(), proposal.ProposalID, "s1")
	require.NoError(t, err)
	require.True(t, shop.Paid("order-1", "s1"))

	drainPending(t, w)
	require.Equal(t, "TESTKUDOS:10", balance(t, w))
}

func TestPendingOperationsListsDueReserve(t *testing.T) {
	fake := exchangetest.New(t, "TESTKUDOS", "TESTKUDOS:8")
	w := newWallet(t, fake)

	reserve, err := w.AcceptManualWithdrawal(t.Context(), fake.BaseURL(), amount.MustParse("TESTKUDOS:8"))
	require.NoError(t, err)

	pending, err := w.PendingOperations(t.Context())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, coinward.PendingReserve, pending[0].Kind)
	require.Equal(t, reserve.ReservePub, pending[0].ID)
}

func TestConfigValidate(t *testing.T) {
	config := coinward.DefaultConfig()
	require.Error(t, config.Validate(), "currency is required")

	config.Currency = "TESTKUDOS"
	require.NoError(t, config.Validate())

	config.Storage = coinward.StorageConfig{Backend: coinward.StoragePostgres}
	require.Error(t, config.Validate(), "postgres needs a dsn")

	config.Storage.DSN = "postgres://wallet@localhost/wallet"
	require.NoError(t, config.Validate())

	config.Storage.Backend = "bolt"
	require.Error(t, config.Validate(), "unknown backend")
}

func TestExpiringDenominationsAreRefreshed(t *testing.T) {
	fake := exchangetest.New(t, "TESTKUDOS",
		"TESTKUDOS:4", "TESTKUDOS:1", "TESTKUDOS:0.1")
	st, err := gravstore.OpenInMemory()
	require.NoError(t, err)

	config := coinward.DefaultConfig()
	config.Currency = "TESTKUDOS"
	config.ExchangeBaseURLs = []string{fake.BaseURL()}
	config.KeysUpdateInterval = time.Nanosecond
	w, err := coinward.New(t.Context(), config,
		coinward.WithLogger(slogt.New(t)), coinward.WithStore(st))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	reserve, err := w.AcceptManualWithdrawal(t.Context(), fake.BaseURL(), amount.MustParse("TESTKUDOS:5"))
	require.NoError(t, err)
	fake.FundReserve(reserve.ReservePub, amount.MustParse("TESTKUDOS:5"))
	drainPending(t, w)
	require.Equal(t, "TESTKUDOS:5", balance(t, w))

	// Age the 1 KUDOS denomination past its auto-refresh threshold.
	err = st.Update(t.Context(), func(tx storage.Tx) error {
		denoms, err := walletdb.ListDenominations(tx, fake.BaseURL())
		if err != nil {
			return err
		}
		for _, d := range denoms {
			if d.Value.String() != "TESTKUDOS:1" {
				continue
			}
			d.StampExpireWithdraw = time.Now().Add(-2 * time.Hour)
			d.StampExpireDeposit = time.Now().Add(-time.Hour)
			if err := walletdb.PutDenomination(tx, d); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	drainPending(t, w)
	require.Equal(t, "TESTKUDOS:5", balance(t, w))

	err = st.View(t.Context(), func(tx storage.ReadTx) error {
		groups, err := walletdb.ListRefreshGroups(tx)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		require.Equal(t, walletdb.RefreshReasonScheduled, groups[0].Reason)
		require.NotNil(t, groups[0].TimestampFinished)

		coins, err := walletdb.ListCoins(tx)
		require.NoError(t, err)
		small := 0
		for _, c := range coins {
			if c.Status == walletdb.CoinFresh && c.CurrentAmount.String() == "TESTKUDOS:0.1" {
				small++
			}
		}
		require.Equal(t, 10, small)
		return nil
	})
	require.NoError(t, err)
}
