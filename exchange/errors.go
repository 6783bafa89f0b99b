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

package exchange

import (
	"fmt"
	"net/http"
)

// Numeric error codes the wallet reacts to specifically. Other codes are
// carried through for diagnostics but only classified by HTTP status.
const (
	// CodeWithdrawInsufficientFunds: the reserve cannot cover the
	// requested coin.
	CodeWithdrawInsufficientFunds = 1611
	// CodeMeltInsufficientFunds: the coin's residual value cannot cover
	// the melt.
	CodeMeltInsufficientFunds = 1302
	// CodeDepositNotFound: a refund was requested for a deposit the
	// exchange never saw. During a payment abort this is an expected
	// answer for coins whose deposit never went through.
	CodeDepositNotFound = 1618
	// CodeDenominationRevoked: operation on a revoked denomination.
	CodeDenominationRevoked = 1619
)

// RequestError is a non-2xx answer from an exchange or merchant backend,
// with the numeric code and hint from the response body when one was
// given.
type RequestError struct {
	HTTPStatus int
	Code       int
	Hint       string
}

func (e *RequestError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("backend request failed: status %d, code %d: %s", e.HTTPStatus, e.Code, e.Hint)
	}
	return fmt.Sprintf("backend request failed: status %d", e.HTTPStatus)
}

// Permanent reports whether retrying the identical request is pointless.
// Client errors are permanent except for timeout and rate-limit answers;
// server errors and transport problems are transient.
func (e *RequestError) Permanent() bool {
	if e.HTTPStatus == http.StatusRequestTimeout || e.HTTPStatus == http.StatusTooManyRequests {
		return false
	}
	return e.HTTPStatus >= 400 && e.HTTPStatus < 500
}
