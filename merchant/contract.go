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
	"github.com/coinward/coinward/walletdb"
	"github.com/coinward/coinward/wiretime"
)

// ContractTerms is the wallet-relevant subset of a merchant contract.
// Merchants attach arbitrary extra fields, so parsing tolerates unknown
// keys, but all required fields must be present and well formed or the
// whole contract is rejected.
type ContractTerms struct {
	Summary         string        `json:"summary"`
	OrderID         string        `json:"order_id"`
	Amount          amount.Amount `json:"amount"`
	MerchantPub     string        `json:"merchant_pub"`
	MerchantBaseURL string        `json:"merchant_base_url"`
	FulfillmentURL  string        `json:"fulfillment_url,omitempty"`

	MaxFee              amount.Amount `json:"max_fee"`
	MaxWireFee          amount.Amount `json:"max_wire_fee,omitempty"`
	WireFeeAmortization int           `json:"wire_fee_amortization,omitempty"`
	WireMethod          string        `json:"wire_method"`

	Timestamp      wiretime.Timestamp  `json:"timestamp"`
	PayDeadline    wiretime.Timestamp  `json:"pay_deadline"`
	RefundDeadline wiretime.Timestamp  `json:"refund_deadline"`
	AutoRefund     *wiretime.Timestamp `json:"auto_refund,omitempty"`

	Exchanges []ContractExchange `json:"exchanges,omitempty"`
}

// ContractExchange names one exchange whose coins the merchant accepts.
type ContractExchange struct {
	URL       string `json:"url"`
	MasterPub string `json:"master_pub"`
}

// ParseContractTerms decodes and validates raw contract terms. Defaults:
// a missing max_wire_fee is zero in the contract currency, a missing or
// non-positive wire_fee_amortization is 1.
func ParseContractTerms(raw json.RawMessage) (*ContractTerms, error) {
	var t ContractTerms
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode contract terms: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid contract terms: %w", err)
	}
	if t.MaxWireFee.Currency == "" {
		t.MaxWireFee = amount.Zero(t.Amount.Currency)
	}
	if t.WireFeeAmortization <= 0 {
		t.WireFeeAmortization = 1
	}
	return &t, nil
}

func (t *ContractTerms) Validate() error {
	if t.OrderID == "" {
		return errors.New("missing order_id")
	}
	if t.Amount.Currency == "" {
		return errors.New("missing amount")
	}
	if t.MerchantPub == "" {
		return errors.New("missing merchant_pub")
	}
	if t.MerchantBaseURL == "" {
		return errors.New("missing merchant_base_url")
	}
	if t.MaxFee.Currency == "" {
		return errors.New("missing max_fee")
	}
	if t.MaxWireFee.Currency != "" && t.MaxWireFee.Currency != t.Amount.Currency {
		return errors.New("max_wire_fee currency differs from amount")
	}
	if t.Timestamp.T.IsZero() {
		return errors.New("missing timestamp")
	}
	return nil
}

// Data flattens the contract into the persisted form. The hash is over
// the verbatim contract JSON and is computed by the caller.
func (t *ContractTerms) Data(contractTermsHash string) walletdb.ContractData {
	d := walletdb.ContractData{
		ContractTermsHash:   contractTermsHash,
		MerchantPub:         t.MerchantPub,
		MerchantBaseURL:     t.MerchantBaseURL,
		OrderID:             t.OrderID,
		Summary:             t.Summary,
		FulfillmentURL:      t.FulfillmentURL,
		Amount:              t.Amount,
		MaxWireFee:          t.MaxWireFee,
		MaxDepositFee:       t.MaxFee,
		WireFeeAmortization: t.WireFeeAmortization,
		WireMethod:          t.WireMethod,
		PayDeadline:         t.PayDeadline.T,
		RefundDeadline:      t.RefundDeadline.T,
	}
	if t.AutoRefund != nil && !t.AutoRefund.T.IsZero() {
		ar := t.AutoRefund.T
		d.AutoRefund = &ar
	}
	for _, e := range t.Exchanges {
		d.AllowedExchanges = append(d.AllowedExchanges, e.URL)
	}
	return d
}
