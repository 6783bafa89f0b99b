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

package pay

import (
	"fmt"
	"sort"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/walletdb"
)

// Candidate is one spendable coin offered to the selector.
type Candidate struct {
	CoinPub         string
	Value           amount.Amount
	FeeDeposit      amount.Amount
	ExchangeBaseURL string
}

// PreviousCoin pins a coin from an earlier selection with its recorded
// contribution, used when repairing a selection after coin loss.
type PreviousCoin struct {
	CoinPub         string
	Contribution    amount.Amount
	FeeDeposit      amount.Amount
	ExchangeBaseURL string
}

// InsufficientBalanceError reports that no coin subset covers the payment.
type InsufficientBalanceError struct {
	Requested amount.Amount
	Available amount.Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %s, have %s", e.Requested, e.Available)
}

// feeTally tracks the customer-borne share of deposit and wire fees as
// coins join the selection. The merchant covers fees up to the contract's
// caps; everything beyond is added to what the coins must pay.
type feeTally struct {
	customerDepositFees amount.Amount
	customerWireFees    amount.Amount
	depositCapLeft      amount.Amount
	wireCapLeft         amount.Amount
	amortization        uint64
	wireFees            map[string]amount.Amount
	exchangesSeen       map[string]bool
}

func newFeeTally(contract *walletdb.ContractData, wireFees map[string]amount.Amount) *feeTally {
	cur := contract.Amount.Currency
	amortization := uint64(1)
	if contract.WireFeeAmortization > 1 {
		amortization = uint64(contract.WireFeeAmortization)
	}
	return &feeTally{
		customerDepositFees: amount.Zero(cur),
		customerWireFees:    amount.Zero(cur),
		depositCapLeft:      contract.MaxDepositFee,
		wireCapLeft:         contract.MaxWireFee,
		amortization:        amortization,
		wireFees:            wireFees,
		exchangesSeen:       make(map[string]bool),
	}
}

// wireFee looks up an exchange's wire fee, defaulting to zero in the
// contract currency for exchanges with no stored fee.
func (t *feeTally) wireFee(exchangeBaseURL string) amount.Amount {
	wf, ok := t.wireFees[exchangeBaseURL]
	if !ok || wf.Currency == "" {
		return amount.Zero(t.customerDepositFees.Currency)
	}
	return wf
}

// bump returns how much the customer total grows if a coin with the given
// deposit fee and exchange joins, without changing the tally.
func (t *feeTally) bump(exchangeBaseURL string, feeDeposit amount.Amount) amount.Amount {
	extra := amount.Zero(t.customerDepositFees.Currency)
	if !t.exchangesSeen[exchangeBaseURL] {
		share := amount.Divide(t.wireFee(exchangeBaseURL), t.amortization)
		covered := amount.Min(share, t.wireCapLeft)
		uncovered, err := amount.Sub(share, covered)
		if err == nil {
			extra, _ = amount.Add(extra, uncovered)
		}
	}
	covered := amount.Min(feeDeposit, t.depositCapLeft)
	uncovered, err := amount.Sub(feeDeposit, covered)
	if err == nil {
		extra, _ = amount.Add(extra, uncovered)
	}
	return extra
}

func (t *feeTally) apply(exchangeBaseURL string, feeDeposit amount.Amount) error {
	if !t.exchangesSeen[exchangeBaseURL] {
		t.exchangesSeen[exchangeBaseURL] = true
		share := amount.Divide(t.wireFee(exchangeBaseURL), t.amortization)
		covered := amount.Min(share, t.wireCapLeft)
		uncovered, err := amount.Sub(share, covered)
		if err != nil {
			return err
		}
		if t.wireCapLeft, err = amount.Sub(t.wireCapLeft, covered); err != nil {
			return err
		}
		if t.customerWireFees, err = amount.Add(t.customerWireFees, uncovered); err != nil {
			return err
		}
	}
	covered := amount.Min(feeDeposit, t.depositCapLeft)
	uncovered, err := amount.Sub(feeDeposit, covered)
	if err != nil {
		return err
	}
	if t.depositCapLeft, err = amount.Sub(t.depositCapLeft, covered); err != nil {
		return err
	}
	t.customerDepositFees, err = amount.Add(t.customerDepositFees, uncovered)
	return err
}

// SelectPayCoins picks coins covering the contract amount plus the
// customer's fee share. Coins are taken largest-first as long as they can
// be spent whole; the remainder is covered by a partial contribution from
// the smallest coin that can absorb it. Coins in prev are kept with their
// recorded contributions and only the shortfall is re-selected.
func SelectPayCoins(candidates []Candidate, contract *walletdb.ContractData, wireFees map[string]amount.Amount, prev []PreviousCoin) (*walletdb.PayCoinSelection, error) {
	cur := contract.Amount.Currency
	tally := newFeeTally(contract, wireFees)

	var coinPubs []string
	var contributions []amount.Amount
	contributed := amount.Zero(cur)

	pinned := make(map[string]bool, len(prev))
	for _, p := range prev {
		if err := tally.apply(p.ExchangeBaseURL, p.FeeDeposit); err != nil {
			return nil, err
		}
		coinPubs = append(coinPubs, p.CoinPub)
		contributions = append(contributions, p.Contribution)
		var err error
		if contributed, err = amount.Add(contributed, p.Contribution); err != nil {
			return nil, err
		}
		pinned[p.CoinPub] = true
	}

	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !pinned[c.CoinPub] && !c.Value.IsZero() {
			pool = append(pool, c)
		}
	}
	sort.Slice(pool, func(i, j int) bool {
		if d := pool[i].Value.Cmp(pool[j].Value); d != 0 {
			return d > 0
		}
		return pool[i].CoinPub < pool[j].CoinPub
	})

	remaining := func() (amount.Amount, error) {
		required, err := amount.Add(contract.Amount, tally.customerWireFees, tally.customerDepositFees)
		if err != nil {
			return amount.Amount{}, err
		}
		if required.Cmp(contributed) <= 0 {
			return amount.Zero(cur), nil
		}
		return amount.Sub(required, contributed)
	}

	for {
		rem, err := remaining()
		if err != nil {
			return nil, err
		}
		if rem.IsZero() {
			break
		}
		if len(pool) == 0 {
			available := contributed
			return nil, &InsufficientBalanceError{Requested: contract.Amount, Available: available}
		}

		// Largest coin that is fully consumed by what is still owed,
		// counting the fees its own inclusion adds.
		pick := -1
		for i, c := range pool {
			need, err := amount.Add(rem, tally.bump(c.ExchangeBaseURL, c.FeeDeposit))
			if err != nil {
				return nil, err
			}
			if c.Value.Cmp(need) <= 0 {
				pick = i
				break
			}
		}
		if pick >= 0 {
			c := pool[pick]
			if err := tally.apply(c.ExchangeBaseURL, c.FeeDeposit); err != nil {
				return nil, err
			}
			coinPubs = append(coinPubs, c.CoinPub)
			contributions = append(contributions, c.Value)
			if contributed, err = amount.Add(contributed, c.Value); err != nil {
				return nil, err
			}
			pool = append(pool[:pick], pool[pick+1:]...)
			continue
		}

		// Every coin is bigger than the shortfall: spend the smallest one
		// partially so the leftover change is minimal.
		c := pool[len(pool)-1]
		if err := tally.apply(c.ExchangeBaseURL, c.FeeDeposit); err != nil {
			return nil, err
		}
		rem, err = remaining()
		if err != nil {
			return nil, err
		}
		coinPubs = append(coinPubs, c.CoinPub)
		contributions = append(contributions, rem)
		if contributed, err = amount.Add(contributed, rem); err != nil {
			return nil, err
		}
		break
	}

	paymentAmount, err := amount.Add(contract.Amount, tally.customerWireFees, tally.customerDepositFees)
	if err != nil {
		return nil, err
	}
	return &walletdb.PayCoinSelection{
		PaymentAmount:       paymentAmount,
		CoinPubs:            coinPubs,
		CoinContributions:   contributions,
		CustomerWireFees:    tally.customerWireFees,
		CustomerDepositFees: tally.customerDepositFees,
	}, nil
}
