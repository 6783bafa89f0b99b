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

package walletdb_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/storage/gravstore"
	"github.com/coinward/coinward/walletdb"
)

const exchangeURL = "https://exchange.test/"

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := gravstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putTestDenom(t *testing.T, s storage.Store, hash, value string) {
	t.Helper()
	err := s.Update(t.Context(), func(tx storage.Tx) error {
		return walletdb.PutDenomination(tx, &walletdb.Denomination{
			ExchangeBaseURL: exchangeURL,
			DenomPubHash:    hash,
			Value:           amount.MustParse(value),
			FeeWithdraw:     amount.MustParse("TESTKUDOS:0.01"),
			IsOffered:       true,
			Verification:    walletdb.DenomGood,
		})
	})
	require.NoError(t, err)
}

func TestCoinConservation(t *testing.T) {
	s := newStore(t)
	putTestDenom(t, s, "D1", "TESTKUDOS:8")

	coin := &walletdb.Coin{
		CoinPub:         "C1",
		ExchangeBaseURL: exchangeURL,
		DenomPubHash:    "D1",
		CurrentAmount:   amount.MustParse("TESTKUDOS:8"),
		Status:          walletdb.CoinFresh,
		Source:          walletdb.CoinSource{Type: walletdb.CoinSourceWithdraw},
	}
	err := s.Update(t.Context(), func(tx storage.Tx) error {
		return walletdb.PutCoin(tx, coin)
	})
	require.NoError(t, err)

	coin.CurrentAmount = amount.MustParse("TESTKUDOS:8.00000001")
	err = s.Update(t.Context(), func(tx storage.Tx) error {
		return walletdb.PutCoin(tx, coin)
	})
	var consErr *walletdb.ConservationError
	require.ErrorAs(t, err, &consErr)
	require.Equal(t, "C1", consErr.CoinPub)

	// The failed update must not be visible.
	err = s.View(t.Context(), func(tx storage.ReadTx) error {
		got, err := walletdb.GetCoin(tx, "C1")
		require.NoError(t, err)
		require.Equal(t, "TESTKUDOS:8", got.CurrentAmount.String())
		return nil
	})
	require.NoError(t, err)
}

func TestCreateRecoupGroupZeroesCoins(t *testing.T) {
	s := newStore(t)
	putTestDenom(t, s, "D1", "TESTKUDOS:8")

	err := s.Update(t.Context(), func(tx storage.Tx) error {
		for _, pub := range []string{"C1", "C2"} {
			coin := &walletdb.Coin{
				CoinPub:         pub,
				ExchangeBaseURL: exchangeURL,
				DenomPubHash:    "D1",
				CurrentAmount:   amount.MustParse("TESTKUDOS:8"),
				Status:          walletdb.CoinFresh,
			}
			if err := walletdb.PutCoin(tx, coin); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var groupID string
	err = s.Update(t.Context(), func(tx storage.Tx) error {
		var err error
		groupID, err = walletdb.CreateRecoupGroup(tx, exchangeURL, []string{"C1", "missing", "C2"})
		return err
	})
	require.NoError(t, err)

	err = s.View(t.Context(), func(tx storage.ReadTx) error {
		g, err := walletdb.GetRecoupGroup(tx, groupID)
		require.NoError(t, err)
		require.Equal(t, []bool{false, true, false}, g.FinishedPerCoin)
		require.Equal(t, "TESTKUDOS:8", g.OldAmountPerCoin[0].String())
		require.Equal(t, "TESTKUDOS:8", g.OldAmountPerCoin[2].String())

		for _, pub := range []string{"C1", "C2"} {
			c, err := walletdb.GetCoin(tx, pub)
			require.NoError(t, err)
			require.True(t, c.CurrentAmount.IsZero())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestProposalOrderIndex(t *testing.T) {
	s := newStore(t)
	err := s.Update(t.Context(), func(tx storage.Tx) error {
		return walletdb.PutProposal(tx, &walletdb.Proposal{
			ProposalID:      "P1",
			MerchantBaseURL: "https://merchant.test/",
			OrderID:         "order-1",
			Status:          walletdb.ProposalDownloading,
		})
	})
	require.NoError(t, err)

	err = s.View(t.Context(), func(tx storage.ReadTx) error {
		p, err := walletdb.GetProposalByOrder(tx, "https://merchant.test/", "order-1")
		require.NoError(t, err)
		require.Equal(t, "P1", p.ProposalID)

		_, err = walletdb.GetProposalByOrder(tx, "https://merchant.test/", "order-2")
		require.True(t, errors.Is(err, storage.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestPurchaseFulfillmentIndex(t *testing.T) {
	s := newStore(t)
	err := s.Update(t.Context(), func(tx storage.Tx) error {
		return walletdb.PutPurchase(tx, &walletdb.Purchase{
			ProposalID: "P1",
			ContractData: walletdb.ContractData{
				FulfillmentURL: "https://merchant.test/article/42",
				Amount:         amount.MustParse("TESTKUDOS:5"),
			},
			Refunds: map[string]walletdb.RefundItem{},
		})
	})
	require.NoError(t, err)

	err = s.View(t.Context(), func(tx storage.ReadTx) error {
		p, err := walletdb.GetPurchaseByFulfillment(tx, "https://merchant.test/article/42")
		require.NoError(t, err)
		require.Equal(t, "P1", p.ProposalID)
		return nil
	})
	require.NoError(t, err)
}

func TestMarkDenominationRevokedIdempotent(t *testing.T) {
	s := newStore(t)
	putTestDenom(t, s, "D1", "TESTKUDOS:2")

	wantChanged := true
	for i := 0; i < 2; i++ {
		err := s.Update(t.Context(), func(tx storage.Tx) error {
			changed, err := walletdb.MarkDenominationRevoked(tx, exchangeURL, "D1")
			require.Equal(t, wantChanged, changed)
			return err
		})
		require.NoError(t, err)
		wantChanged = false
	}

	err := s.View(t.Context(), func(tx storage.ReadTx) error {
		d, err := walletdb.GetDenomination(tx, exchangeURL, "D1")
		require.NoError(t, err)
		require.True(t, d.IsRevoked)
		return nil
	})
	require.NoError(t, err)
}
