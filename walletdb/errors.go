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
	"fmt"

	"github.com/coinward/coinward/amount"
)

// ConservationError reports an attempt to store a coin whose residual
// value exceeds its denomination's face value. This always indicates a
// bug; the transaction it occurs in must be aborted.
type ConservationError struct {
	CoinPub    string
	Current    amount.Amount
	DenomValue amount.Amount
}

func (e *ConservationError) Error() string {
	return fmt.Sprintf("coin %s residual value %s exceeds denomination value %s",
		e.CoinPub, e.Current, e.DenomValue)
}
