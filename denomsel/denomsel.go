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

// Package denomsel implements the pure denomination selection algorithms
// shared by withdrawal and refresh planning.
package denomsel

import (
	"sort"
	"time"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/walletdb"
)

// withdrawSafetyMargin keeps the wallet from starting a withdrawal that
// could race the denomination's withdraw expiry.
const withdrawSafetyMargin = 5 * time.Minute

// IsWithdrawable reports whether new coins of this denomination may still
// be withdrawn at the given time.
func IsWithdrawable(d *walletdb.Denomination, now time.Time) bool {
	if !d.IsOffered || d.IsRevoked || d.Verification == walletdb.DenomBad {
		return false
	}
	if now.Before(d.StampStart) {
		return false
	}
	lastPossible := d.StampExpireWithdraw.Add(-withdrawSafetyMargin)
	return now.Before(lastPossible)
}

// SelectWithdrawal plans which denominations to withdraw for the given
// amount: greedy, largest coin first, each unit costing face value plus
// withdraw fee. Whatever cannot be covered by the smallest withdrawable
// denomination stays in the reserve.
func SelectWithdrawal(denoms []*walletdb.Denomination, amountAvailable amount.Amount, now time.Time) (walletdb.DenomSelection, error) {
	sel := walletdb.DenomSelection{
		TotalCoinValue:    amount.Zero(amountAvailable.Currency),
		TotalWithdrawCost: amount.Zero(amountAvailable.Currency),
	}

	usable := make([]*walletdb.Denomination, 0, len(denoms))
	for _, d := range denoms {
		if IsWithdrawable(d, now) {
			usable = append(usable, d)
		}
	}
	sort.Slice(usable, func(i, j int) bool {
		return usable[i].Value.Cmp(usable[j].Value) > 0
	})

	remaining := amountAvailable
	for _, d := range usable {
		cost, err := amount.Add(d.Value, d.FeeWithdraw)
		if err != nil {
			return walletdb.DenomSelection{}, err
		}
		count := 0
		for remaining.Cmp(cost) >= 0 {
			remaining, err = amount.Sub(remaining, cost)
			if err != nil {
				return walletdb.DenomSelection{}, err
			}
			count++
		}
		if count == 0 {
			continue
		}
		sel.Selected = append(sel.Selected, walletdb.DenomSelItem{
			DenomPubHash: d.DenomPubHash,
			Count:        count,
		})
		for k := 0; k < count; k++ {
			sel.TotalCoinValue, err = amount.Add(sel.TotalCoinValue, d.Value)
			if err != nil {
				return walletdb.DenomSelection{}, err
			}
			sel.TotalWithdrawCost, err = amount.Add(sel.TotalWithdrawCost, cost)
			if err != nil {
				return walletdb.DenomSelection{}, err
			}
		}
	}
	return sel, nil
}

// AutoRefreshThreshold returns the point in time past which coins of
// this denomination should be refreshed into longer-lived ones. The
// threshold sits three quarters of the way from the withdraw expiry to
// the deposit expiry, so the wallet still has time to run the refresh
// before deposits stop being accepted.
func AutoRefreshThreshold(d *walletdb.Denomination) time.Time {
	delta := d.StampExpireDeposit.Sub(d.StampExpireWithdraw)
	if delta <= 0 {
		return d.StampExpireDeposit
	}
	return d.StampExpireWithdraw.Add(delta * 3 / 4)
}

// TotalRefreshCost computes the loss of refreshing amountLeft residual
// value on a coin of the given denomination: the melt fee plus whatever
// the withdrawable denominations cannot represent.
func TotalRefreshCost(denoms []*walletdb.Denomination, meltDenom *walletdb.Denomination, amountLeft amount.Amount, now time.Time) (amount.Amount, error) {
	withdrawAmount, err := amount.Sub(amountLeft, meltDenom.FeeRefresh)
	if err != nil {
		return amount.Amount{}, err
	}
	sel, err := SelectWithdrawal(denoms, withdrawAmount, now)
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.Sub(amountLeft, sel.TotalCoinValue)
}
