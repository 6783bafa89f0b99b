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

package merchant

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/wiretime"
)

// ClaimRequest claims an order for this wallet. The nonce binds the
// contract to the wallet's claim key; the token authorizes claiming when
// the merchant issued one.
type ClaimRequest struct {
	Nonce string `json:"nonce"`
	Token string `json:"token,omitempty"`
}

// ClaimResponse carries the contract terms the merchant committed to. The
// raw JSON is kept verbatim because the contract hash is computed over it.
type ClaimResponse struct {
	ContractTerms json.RawMessage `json:"contract_terms"`
	Sig           string          `json:"sig"`
}

func (c *ClaimResponse) Validate() error {
	if len(c.ContractTerms) == 0 {
		return errors.New("missing contract_terms")
	}
	return nil
}

// DepositPermission authorizes the merchant to deposit one coin's
// contribution with its exchange. It is the signed, self-contained proof
// the merchant forwards; replaying it spends nothing extra.
type DepositPermission struct {
	CoinPub         string        `json:"coin_pub"`
	DenomPubHash    string        `json:"h_denom"`
	DenomSig        []byte        `json:"ub_sig"`
	Contribution    amount.Amount `json:"contribution"`
	ExchangeBaseURL string        `json:"exchange_url"`
	CoinSig         []byte        `json:"coin_sig"`
}

// PayRequest submits the coin set paying for an order.
type PayRequest struct {
	Coins     []DepositPermission `json:"coins"`
	SessionID string              `json:"session_id,omitempty"`
}

// PayResponse is the merchant's receipt over the paid contract.
type PayResponse struct {
	Sig string `json:"sig"`
}

func (p *PayResponse) Validate() error {
	if p.Sig == "" {
		return errors.New("missing sig")
	}
	return nil
}

// PaidRequest replays a stored pay receipt to bind a new session to an
// already-paid order without spending coins again.
type PaidRequest struct {
	Sig          string `json:"sig"`
	ContractHash string `json:"h_contract"`
	SessionID    string `json:"session_id,omitempty"`
}

// AbortRequest asks the merchant to refund the coins of a partially paid
// order instead of completing it.
type AbortRequest struct {
	ContractHash string              `json:"h_contract"`
	Coins        []DepositPermission `json:"coins"`
}

// CoinRefundStatus is the merchant's answer for one refund it tried to
// obtain from the exchange on the wallet's behalf. Type is "success" when
// the exchange granted the refund and "failure" when it did not; on
// failure ExchangeStatus and ExchangeCode carry the exchange's verdict.
type CoinRefundStatus struct {
	Type           string        `json:"type"`
	CoinPub        string        `json:"coin_pub"`
	RTransactionID uint64        `json:"rtransaction_id"`
	RefundAmount   amount.Amount `json:"refund_amount"`

	ExchangeStatus int                `json:"exchange_status,omitempty"`
	ExchangeCode   int                `json:"exchange_code,omitempty"`
	ExecutionTime  wiretime.Timestamp `json:"execution_time"`
}

const (
	RefundStatusSuccess = "success"
	RefundStatusFailure = "failure"
)

func (s *CoinRefundStatus) Validate() error {
	if s.Type != RefundStatusSuccess && s.Type != RefundStatusFailure {
		return fmt.Errorf("bad refund status type %q", s.Type)
	}
	if s.CoinPub == "" {
		return errors.New("missing coin_pub")
	}
	if s.RefundAmount.Currency == "" {
		return errors.New("missing refund_amount")
	}
	return nil
}

// AbortResponse lists the refund outcome for every aborted coin.
type AbortResponse struct {
	Refunds []CoinRefundStatus `json:"refunds"`
}

func (a *AbortResponse) Validate() error {
	for i := range a.Refunds {
		if err := a.Refunds[i].Validate(); err != nil {
			return fmt.Errorf("refund %d: %w", i, err)
		}
	}
	return nil
}

// DepositSigMessage is the byte string a coin signs, under the deposit
// purpose, to authorize its contribution to a contract.
func DepositSigMessage(contractTermsHash string, contribution amount.Amount) []byte {
	return []byte(contractTermsHash + "\x00" + contribution.String())
}

// RefundRequest queries the refund status of an order.
type RefundRequest struct {
	ContractHash string `json:"h_contract"`
}

// RefundResponse is the merchant's current view of all refunds granted for
// an order.
type RefundResponse struct {
	RefundAmount amount.Amount      `json:"refund_amount"`
	Refunds      []CoinRefundStatus `json:"refunds"`
}

func (r *RefundResponse) Validate() error {
	for i := range r.Refunds {
		if err := r.Refunds[i].Validate(); err != nil {
			return fmt.Errorf("refund %d: %w", i, err)
		}
	}
	return nil
}
