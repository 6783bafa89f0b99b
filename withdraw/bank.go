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

package withdraw

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/denomsel"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/retry"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

// BankWithdrawalStatus is the bank's view of one withdrawal operation.
type BankWithdrawalStatus struct {
	// SelectionDone reports whether a reserve key and exchange have been
	// registered for this operation.
	SelectionDone bool `json:"selection_done"`
	// TransferDone reports whether the user confirmed the transfer and
	// the bank wired the funds.
	TransferDone bool          `json:"transfer_done"`
	Aborted      bool          `json:"aborted"`
	Amount       amount.Amount `json:"amount"`
	// ConfirmTransferURL is where the user confirms the transfer, shown
	// to the user while the wallet waits.
	ConfirmTransferURL string `json:"confirm_transfer_url,omitempty"`
	SuggestedExchange  string `json:"suggested_exchange,omitempty"`
}

func (s *BankWithdrawalStatus) Validate() error {
	if s.Amount.Currency == "" {
		return fmt.Errorf("bank withdrawal status has no amount")
	}
	return nil
}

// bankRegisterRequest selects the reserve and exchange for a bank
// withdrawal operation.
type bankRegisterRequest struct {
	ReservePub       string `json:"reserve_pub"`
	SelectedExchange string `json:"selected_exchange"`
}

type bankRegisterResponse struct {
	TransferDone       bool   `json:"transfer_done"`
	ConfirmTransferURL string `json:"confirm_transfer_url,omitempty"`
}

func (r *bankRegisterResponse) Validate() error { return nil }

// AcceptBankIntegratedWithdrawal starts a withdrawal the user initiated
// at their bank. The bank status URL identifies the operation; the
// instructed amount comes from the bank, not the caller.
func (e *Engine) AcceptBankIntegratedWithdrawal(ctx context.Context, bankStatusURL, exchangeBaseURL string) (*walletdb.Reserve, error) {
	var status BankWithdrawalStatus
	if err := e.client.DoJSON(ctx, http.MethodGet, bankStatusURL, nil, &status); err != nil {
		return nil, fmt.Errorf("failed to fetch bank withdrawal status: %w", err)
	}
	if status.Aborted {
		return nil, fmt.Errorf("bank withdrawal operation is already aborted")
	}
	if exchangeBaseURL == "" {
		exchangeBaseURL = status.SuggestedExchange
	}
	if exchangeBaseURL == "" {
		return nil, fmt.Errorf("no exchange selected and the bank suggested none")
	}
	if err := e.registry.UpdateKeys(ctx, exchangeBaseURL); err != nil {
		return nil, err
	}

	reservePub, reservePriv, err := e.provider.EdDSAKeyPair()
	if err != nil {
		return nil, err
	}

	var reserve *walletdb.Reserve
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		denoms, err := walletdb.ListDenominations(tx, exchangeBaseURL)
		if err != nil {
			return err
		}
		sel, err := denomsel.SelectWithdrawal(denoms, status.Amount, time.Now())
		if err != nil {
			return err
		}
		if len(sel.Selected) == 0 {
			return fmt.Errorf("no withdrawable denomination covers %s at %s", status.Amount, exchangeBaseURL)
		}
		reserve = &walletdb.Reserve{
			ReservePub:               reservePub,
			ReservePriv:              reservePriv,
			ExchangeBaseURL:          exchangeBaseURL,
			Currency:                 status.Amount.Currency,
			InstructedAmount:         status.Amount,
			Status:                   walletdb.ReserveRegistering,
			TimestampCreated:         time.Now(),
			BankWithdrawStatusURL:    bankStatusURL,
			InitialWithdrawalGroupID: uuid.NewString(),
			InitialDenomSel:          sel,
			Retry:                    retry.NewInfo(),
		}
		return walletdb.PutReserve(tx, reserve)
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "bank-integrated reserve created",
		"reservePub", reservePub, "exchange", exchangeBaseURL, "amount", status.Amount.String())
	e.notifier.Publish(notify.Event{Type: notify.EventReserveRegistered, ReservePub: reservePub})
	return reserve, nil
}

// registerReserveWithBank tells the bank which reserve key and exchange
// this operation funds, then waits for the user's confirmation.
func (e *Engine) registerReserveWithBank(ctx context.Context, reserve *walletdb.Reserve) error {
	req := bankRegisterRequest{
		ReservePub:       reserve.ReservePub,
		SelectedExchange: reserve.ExchangeBaseURL,
	}
	var resp bankRegisterResponse
	err := e.client.DoJSON(ctx, http.MethodPost, reserve.BankWithdrawStatusURL, &req, &resp)
	if err != nil {
		return e.recordReserveRetry(ctx, reserve.ReservePub, err)
	}

	err = e.store.Update(ctx, func(tx storage.Tx) error {
		r, err := walletdb.GetReserve(tx, reserve.ReservePub)
		if err != nil {
			return err
		}
		r.Status = walletdb.ReserveWaitConfirmBank
		r.BankConfirmURL = resp.ConfirmTransferURL
		if resp.TransferDone {
			r.Status = walletdb.ReserveQueryingStatus
		}
		r.Retry.Reset()
		return walletdb.PutReserve(tx, r)
	})
	if err != nil {
		return err
	}
	e.notifier.Publish(notify.Event{Type: notify.EventReserveUpdated, ReservePub: reserve.ReservePub})
	return nil
}

// pollBankConfirmation checks whether the user confirmed or aborted the
// transfer. A bank that reports neither is no new information; the poll
// is rescheduled without counting as a failure.
func (e *Engine) pollBankConfirmation(ctx context.Context, reserve *walletdb.Reserve) error {
	var status BankWithdrawalStatus
	err := e.client.DoJSON(ctx, http.MethodGet, reserve.BankWithdrawStatusURL, nil, &status)
	if err != nil {
		return e.recordReserveRetry(ctx, reserve.ReservePub, err)
	}

	switch {
	case status.Aborted:
		err = e.store.Update(ctx, func(tx storage.Tx) error {
			r, err := walletdb.GetReserve(tx, reserve.ReservePub)
			if err != nil {
				return err
			}
			r.Status = walletdb.ReserveBankAborted
			r.Retry.Reset()
			return walletdb.PutReserve(tx, r)
		})
		if err != nil {
			return err
		}
		e.log.InfoContext(ctx, "bank aborted withdrawal", "reservePub", reserve.ReservePub)
		e.notifier.Publish(notify.Event{Type: notify.EventReserveUpdated, ReservePub: reserve.ReservePub})
		return nil

	case status.TransferDone:
		err = e.store.Update(ctx, func(tx storage.Tx) error {
			r, err := walletdb.GetReserve(tx, reserve.ReservePub)
			if err != nil {
				return err
			}
			r.Status = walletdb.ReserveQueryingStatus
			r.Retry.Reset()
			return walletdb.PutReserve(tx, r)
		})
		if err != nil {
			return err
		}
		e.notifier.Publish(notify.Event{Type: notify.EventReserveUpdated, ReservePub: reserve.ReservePub})
		return nil

	default:
		return e.recordReserveRetry(ctx, reserve.ReservePub, nil)
	}
}
