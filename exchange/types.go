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
	"errors"
	"fmt"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/wiretime"
)

// Every response type validates itself after decoding. A response missing
// required fields is rejected at the boundary; nothing downstream handles
// half-parsed data.

// KeysDenomination is one denomination entry in the /keys response.
type KeysDenomination struct {
	DenomPub    []byte        `json:"denom_pub"`
	Value       amount.Amount `json:"value"`
	FeeWithdraw amount.Amount `json:"fee_withdraw"`
	FeeDeposit  amount.Amount `json:"fee_deposit"`
	FeeRefresh  amount.Amount `json:"fee_refresh"`
	FeeRefund   amount.Amount `json:"fee_refund"`

	StampStart          wiretime.Timestamp `json:"stamp_start"`
	StampExpireWithdraw wiretime.Timestamp `json:"stamp_expire_withdraw"`
	StampExpireDeposit  wiretime.Timestamp `json:"stamp_expire_deposit"`
	StampExpireLegal    wiretime.Timestamp `json:"stamp_expire_legal"`

	MasterSig []byte `json:"master_sig"`
}

func (d *KeysDenomination) Validate() error {
	if len(d.DenomPub) == 0 {
		return errors.New("missing denom_pub")
	}
	if d.Value.Currency == "" {
		return errors.New("missing value")
	}
	if len(d.MasterSig) == 0 {
		return errors.New("missing master_sig")
	}
	return nil
}

// Revocation is one entry in the recoup list of /keys.
type Revocation struct {
	DenomPubHash string `json:"h_denom_pub"`
}

// KeysResponse is the exchange's /keys answer. A missing wire_fee means
// the exchange charges none.
type KeysResponse struct {
	Version   string             `json:"version"`
	Currency  string             `json:"currency"`
	MasterPub string             `json:"master_public_key"`
	WireFee   amount.Amount      `json:"wire_fee,omitempty"`
	Denoms    []KeysDenomination `json:"denoms"`
	Recoup    []Revocation       `json:"recoup"`
}

func (k *KeysResponse) Validate() error {
	if k.Currency == "" {
		return errors.New("missing currency")
	}
	if k.MasterPub == "" {
		return errors.New("missing master_public_key")
	}
	for i := range k.Denoms {
		if err := k.Denoms[i].Validate(); err != nil {
			return fmt.Errorf("denom %d: %w", i, err)
		}
	}
	for i, r := range k.Recoup {
		if r.DenomPubHash == "" {
			return fmt.Errorf("recoup entry %d: missing h_denom_pub", i)
		}
	}
	return nil
}

// ReserveStatusResponse is the /reserves/$PUB answer.
type ReserveStatusResponse struct {
	Balance amount.Amount `json:"balance"`
}

func (r *ReserveStatusResponse) Validate() error {
	if r.Balance.Currency == "" {
		return errors.New("missing balance")
	}
	return nil
}

// WithdrawRequest asks the exchange to sign one blinded planchet against
// reserve funds.
type WithdrawRequest struct {
	DenomPubHash string `json:"denom_pub_hash"`
	CoinEv       []byte `json:"coin_ev"`
	ReserveSig   []byte `json:"reserve_sig"`
}

// WithdrawResponse carries the blind signature over the planchet.
type WithdrawResponse struct {
	EvSig []byte `json:"ev_sig"`
}

func (w *WithdrawResponse) Validate() error {
	if len(w.EvSig) == 0 {
		return errors.New("missing ev_sig")
	}
	return nil
}

// MeltRequest commits a coin's residual value to a refresh session.
type MeltRequest struct {
	DenomPubHash      string        `json:"denom_pub_hash"`
	DenomSig          []byte        `json:"denom_sig"`
	ConfirmSig        []byte        `json:"confirm_sig"`
	ValueWithFee      amount.Amount `json:"value_with_fee"`
	RefreshCommitment string        `json:"rc"`
}

// MeltResponse tells the wallet which commitment index to keep secret.
type MeltResponse struct {
	NorevealIndex *int `json:"noreveal_index"`
}

func (m *MeltResponse) Validate() error {
	if m.NorevealIndex == nil {
		return errors.New("missing noreveal_index")
	}
	if *m.NorevealIndex < 0 {
		return errors.New("negative noreveal_index")
	}
	return nil
}

// RevealRequest opens the refresh commitment: the blinded envelopes at
// the noreveal index plus the session seeds of every other index.
type RevealRequest struct {
	NewDenomsH    []string `json:"new_denoms_h"`
	CoinEvs       [][]byte `json:"coin_evs"`
	RevealedSeeds [][]byte `json:"transfer_privs"`
}

// RevealSig is one blind signature in the reveal answer.
type RevealSig struct {
	EvSig []byte `json:"ev_sig"`
}

// RevealResponse carries one blind signature per requested fresh coin,
// in request order.
type RevealResponse struct {
	EvSigs []RevealSig `json:"ev_sigs"`
}

func (r *RevealResponse) Validate() error {
	if len(r.EvSigs) == 0 {
		return errors.New("missing ev_sigs")
	}
	for i, s := range r.EvSigs {
		if len(s.EvSig) == 0 {
			return fmt.Errorf("ev_sigs entry %d: missing ev_sig", i)
		}
	}
	return nil
}

// RecoupRequest claims the value of a coin whose denomination was
// revoked. Refreshed reports whether the coin came from a refresh, which
// decides where the exchange credits the value.
type RecoupRequest struct {
	DenomPubHash string `json:"denom_pub_hash"`
	DenomSig     []byte `json:"denom_sig"`
	CoinSig      []byte `json:"coin_sig"`
	Refreshed    bool   `json:"refreshed"`
}

// RecoupResponse names where the recouped value went: back to the funding
// reserve for withdrawn coins, or onto the ancestor coin for refreshed
// ones.
type RecoupResponse struct {
	ReservePub string `json:"reserve_pub,omitempty"`
	OldCoinPub string `json:"old_coin_pub,omitempty"`
}

func (r *RecoupResponse) Validate() error {
	if r.ReservePub == "" && r.OldCoinPub == "" {
		return errors.New("missing reserve_pub and old_coin_pub")
	}
	if r.ReservePub != "" && r.OldCoinPub != "" {
		return errors.New("both reserve_pub and old_coin_pub set")
	}
	return nil
}
