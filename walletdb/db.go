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

package walletdb

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coinward/coinward/storage"
)

// Table names. Index tables map a secondary key to the primary key of the
// record; they are maintained by the Put* accessors and must never be
// written directly.
const (
	TableExchanges        = "exchanges"
	TableDenominations    = "denominations"
	TableCoins            = "coins"
	TableReserves         = "reserves"
	TableWithdrawalGroups = "withdrawalGroups"
	TableRefreshGroups    = "refreshGroups"
	TableProposals        = "proposals"
	TablePurchases        = "purchases"
	TableRecoupGroups     = "recoupGroups"

	TableProposalsByOrder        = "proposalsByOrder"
	TablePurchasesByFulfillment  = "purchasesByFulfillment"
)

// keySep joins compound key parts. It cannot occur in URLs, base64url
// encodings or uuids.
const keySep = "\x00"

func compoundKey(parts ...string) string {
	return strings.Join(parts, keySep)
}

func getJSON(tx storage.ReadTx, table, key string, out any) error {
	raw, err := tx.Get(table, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s record %q: %w", table, key, err)
	}
	return nil
}

func putJSON(tx storage.Tx, table, key string, in any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s record %q: %w", table, key, err)
	}
	return tx.Put(table, key, raw)
}

// forEachJSON decodes every record of a table. Decoding failures abort the
// iteration; a store with undecodable records is treated as corrupt.
func forEachJSON[T any](tx storage.ReadTx, table string, fn func(key string, rec *T) error) error {
	return tx.ForEach(table, func(key string, value []byte) error {
		var rec T
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("failed to decode %s record %q: %w", table, key, err)
		}
		return fn(key, &rec)
	})
}

// GetExchange looks up an exchange by base URL.
func GetExchange(tx storage.ReadTx, baseURL string) (*Exchange, error) {
	var e Exchange
	if err := getJSON(tx, TableExchanges, baseURL, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func PutExchange(tx storage.Tx, e *Exchange) error {
	return putJSON(tx, TableExchanges, e.BaseURL, e)
}

func ListExchanges(tx storage.ReadTx) ([]*Exchange, error) {
	var out []*Exchange
	err := forEachJSON(tx, TableExchanges, func(_ string, e *Exchange) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// GetDenomination looks up a denomination by exchange and pub hash.
func GetDenomination(tx storage.ReadTx, exchangeBaseURL, denomPubHash string) (*Denomination, error) {
	var d Denomination
	if err := getJSON(tx, TableDenominations, compoundKey(exchangeBaseURL, denomPubHash), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func PutDenomination(tx storage.Tx, d *Denomination) error {
	return putJSON(tx, TableDenominations, compoundKey(d.ExchangeBaseURL, d.DenomPubHash), d)
}

// ListDenominations returns all denominations known for one exchange.
func ListDenominations(tx storage.ReadTx, exchangeBaseURL string) ([]*Denomination, error) {
	prefix := exchangeBaseURL + keySep
	var out []*Denomination
	err := forEachJSON(tx, TableDenominations, func(key string, d *Denomination) error {
		if strings.HasPrefix(key, prefix) {
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// GetCoin looks up a coin by its public key.
func GetCoin(tx storage.ReadTx, coinPub string) (*Coin, error) {
	var c Coin
	if err := getJSON(tx, TableCoins, coinPub, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutCoin stores a coin after checking the conservation invariant: the
// residual value must not exceed the denomination's face value. New value
// can never appear on a coin, only leave it.
func PutCoin(tx storage.Tx, c *Coin) error {
	d, err := GetDenomination(tx, c.ExchangeBaseURL, c.DenomPubHash)
	if err != nil {
		return fmt.Errorf("failed to load denomination for coin %s: %w", c.CoinPub, err)
	}
	if c.CurrentAmount.Cmp(d.Value) > 0 {
		return &ConservationError{
			CoinPub:    c.CoinPub,
			Current:    c.CurrentAmount,
			DenomValue: d.Value,
		}
	}
	return putJSON(tx, TableCoins, c.CoinPub, c)
}

// ListCoins returns every stored coin.
func ListCoins(tx storage.ReadTx) ([]*Coin, error) {
	var out []*Coin
	err := forEachJSON(tx, TableCoins, func(_ string, c *Coin) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

// ListCoinsByExchange returns all coins issued by one exchange.
func ListCoinsByExchange(tx storage.ReadTx, exchangeBaseURL string) ([]*Coin, error) {
	var out []*Coin
	err := forEachJSON(tx, TableCoins, func(_ string, c *Coin) error {
		if c.ExchangeBaseURL == exchangeBaseURL {
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// ListCoinsByDenomination returns all coins of one denomination.
func ListCoinsByDenomination(tx storage.ReadTx, exchangeBaseURL, denomPubHash string) ([]*Coin, error) {
	var out []*Coin
	err := forEachJSON(tx, TableCoins, func(_ string, c *Coin) error {
		if c.ExchangeBaseURL == exchangeBaseURL && c.DenomPubHash == denomPubHash {
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func GetReserve(tx storage.ReadTx, reservePub string) (*Reserve, error) {
	var r Reserve
	if err := getJSON(tx, TableReserves, reservePub, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func PutReserve(tx storage.Tx, r *Reserve) error {
	return putJSON(tx, TableReserves, r.ReservePub, r)
}

func ListReserves(tx storage.ReadTx) ([]*Reserve, error) {
	var out []*Reserve
	err := forEachJSON(tx, TableReserves, func(_ string, r *Reserve) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

func GetWithdrawalGroup(tx storage.ReadTx, id string) (*WithdrawalGroup, error) {
	var g WithdrawalGroup
	if err := getJSON(tx, TableWithdrawalGroups, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func PutWithdrawalGroup(tx storage.Tx, g *WithdrawalGroup) error {
	return putJSON(tx, TableWithdrawalGroups, g.ID, g)
}

func ListWithdrawalGroups(tx storage.ReadTx) ([]*WithdrawalGroup, error) {
	var out []*WithdrawalGroup
	err := forEachJSON(tx, TableWithdrawalGroups, func(_ string, g *WithdrawalGroup) error {
		out = append(out, g)
		return nil
	})
	return out, err
}

func GetRefreshGroup(tx storage.ReadTx, id string) (*RefreshGroup, error) {
	var g RefreshGroup
	if err := getJSON(tx, TableRefreshGroups, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func PutRefreshGroup(tx storage.Tx, g *RefreshGroup) error {
	return putJSON(tx, TableRefreshGroups, g.ID, g)
}

func ListRefreshGroups(tx storage.ReadTx) ([]*RefreshGroup, error) {
	var out []*RefreshGroup
	err := forEachJSON(tx, TableRefreshGroups, func(_ string, g *RefreshGroup) error {
		out = append(out, g)
		return nil
	})
	return out, err
}

// GetProposal looks up a proposal by its id.
func GetProposal(tx storage.ReadTx, proposalID string) (*Proposal, error) {
	var p Proposal
	if err := getJSON(tx, TableProposals, proposalID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutProposal stores a proposal and maintains the merchant+order index.
func PutProposal(tx storage.Tx, p *Proposal) error {
	if err := putJSON(tx, TableProposals, p.ProposalID, p); err != nil {
		return err
	}
	idxKey := compoundKey(p.MerchantBaseURL, p.OrderID)
	return tx.Put(TableProposalsByOrder, idxKey, []byte(p.ProposalID))
}

// GetProposalByOrder finds the proposal that claimed the given merchant
// order, if any.
func GetProposalByOrder(tx storage.ReadTx, merchantBaseURL, orderID string) (*Proposal, error) {
	id, err := tx.Get(TableProposalsByOrder, compoundKey(merchantBaseURL, orderID))
	if err != nil {
		return nil, err
	}
	return GetProposal(tx, string(id))
}

func ListProposals(tx storage.ReadTx) ([]*Proposal, error) {
	var out []*Proposal
	err := forEachJSON(tx, TableProposals, func(_ string, p *Proposal) error {
		out = append(out, p)
		return nil
	})
	return out, err
}

// GetPurchase looks up a purchase by its proposal id.
func GetPurchase(tx storage.ReadTx, proposalID string) (*Purchase, error) {
	var p Purchase
	if err := getJSON(tx, TablePurchases, proposalID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPurchase stores a purchase and maintains the fulfillment URL index.
func PutPurchase(tx storage.Tx, p *Purchase) error {
	if err := putJSON(tx, TablePurchases, p.ProposalID, p); err != nil {
		return err
	}
	if u := p.ContractData.FulfillmentURL; u != "" {
		return tx.Put(TablePurchasesByFulfillment, u, []byte(p.ProposalID))
	}
	return nil
}

// GetPurchaseByFulfillment finds an existing purchase for a fulfillment
// URL. Used for repurchase detection: paying twice for the same resource
// is short-circuited to the earlier purchase.
func GetPurchaseByFulfillment(tx storage.ReadTx, fulfillmentURL string) (*Purchase, error) {
	id, err := tx.Get(TablePurchasesByFulfillment, fulfillmentURL)
	if err != nil {
		return nil, err
	}
	return GetPurchase(tx, string(id))
}

func ListPurchases(tx storage.ReadTx) ([]*Purchase, error) {
	var out []*Purchase
	err := forEachJSON(tx, TablePurchases, func(_ string, p *Purchase) error {
		out = append(out, p)
		return nil
	})
	return out, err
}

func GetRecoupGroup(tx storage.ReadTx, id string) (*RecoupGroup, error) {
	var g RecoupGroup
	if err := getJSON(tx, TableRecoupGroups, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func PutRecoupGroup(tx storage.Tx, g *RecoupGroup) error {
	return putJSON(tx, TableRecoupGroups, g.ID, g)
}

func ListRecoupGroups(tx storage.ReadTx) ([]*RecoupGroup, error) {
	var out []*RecoupGroup
	err := forEachJSON(tx, TableRecoupGroups, func(_ string, g *RecoupGroup) error {
		out = append(out, g)
		return nil
	})
	return out, err
}
