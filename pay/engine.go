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

// Package pay runs the proposal and purchase lifecycle: downloading and
// claiming merchant orders, selecting and spending coins, submitting the
// payment, replaying receipts for new sessions, and initiating aborts.
package pay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/merchant"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/refresh"
	"github.com/coinward/coinward/retry"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

// ErrPayFrozen indicates the purchase hit a permanent pay failure and
// needs user intervention (typically an abort).
var ErrPayFrozen = errors.New("payment is frozen after a permanent failure")

// Engine runs purchase processing. Stateless; all purchase state lives in
// the store.
type Engine struct {
	store    storage.Store
	provider crypto.Provider
	merchant *merchant.Client
	notifier *notify.Notifier
	log      *slog.Logger
}

func NewEngine(store storage.Store, provider crypto.Provider, mc *merchant.Client, notifier *notify.Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:    store,
		provider: provider,
		merchant: mc,
		notifier: notifier,
		log:      log,
	}
}

// DownloadProposal claims an order and stores its contract terms. Calling
// it again for the same (merchant, order) returns the stored proposal
// without re-claiming. When the fulfillment URL matches an already paid
// purchase the proposal is marked as a repurchase pointing at it.
func (e *Engine) DownloadProposal(ctx context.Context, merchantBaseURL, orderID, claimToken, sessionID string) (*walletdb.Proposal, error) {
	var existing *walletdb.Proposal
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		p, err := walletdb.GetProposalByOrder(tx, merchantBaseURL, orderID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		existing = p
		return err
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	noncePub, noncePriv, err := e.provider.EdDSAKeyPair()
	if err != nil {
		return nil, err
	}
	proposal := &walletdb.Proposal{
		ProposalID:        uuid.NewString(),
		MerchantBaseURL:   merchantBaseURL,
		OrderID:           orderID,
		ClaimToken:        claimToken,
		DownloadSessionID: sessionID,
		NoncePriv:         noncePriv,
		NoncePub:          noncePub,
		Status:            walletdb.ProposalDownloading,
		TimestampCreated:  time.Now(),
		Retry:             retry.NewInfo(),
	}
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		return walletdb.PutProposal(tx, proposal)
	})
	if err != nil {
		return nil, err
	}

	resp, err := e.merchant.Claim(ctx, merchantBaseURL, orderID, &merchant.ClaimRequest{
		Nonce: noncePub,
		Token: claimToken,
	})
	if err != nil {
		status := walletdb.ProposalDownloading
		if errors.Is(err, merchant.ErrOrderClaimed) {
			status = walletdb.ProposalPermanentlyFailed
		}
		if markErr := e.markProposal(ctx, proposal.ProposalID, func(p *walletdb.Proposal) {
			p.Status = status
			p.Retry.Increment()
			p.LastError = &walletdb.ErrorDetail{Message: err.Error()}
		}); markErr != nil {
			return nil, markErr
		}
		return nil, err
	}

	terms, err := merchant.ParseContractTerms(resp.ContractTerms)
	if err != nil {
		if markErr := e.markProposal(ctx, proposal.ProposalID, func(p *walletdb.Proposal) {
			p.Status = walletdb.ProposalPermanentlyFailed
			p.LastError = &walletdb.ErrorDetail{Message: err.Error()}
		}); markErr != nil {
			return nil, markErr
		}
		return nil, err
	}
	if terms.OrderID != orderID {
		return nil, fmt.Errorf("contract names order %q, requested %q", terms.OrderID, orderID)
	}
	contractHash := e.provider.Hash(resp.ContractTerms)
	data := terms.Data(contractHash)

	var out *walletdb.Proposal
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetProposal(tx, proposal.ProposalID)
		if err != nil {
			return err
		}
		p.ContractTermsRaw = resp.ContractTerms
		p.ContractData = &data
		p.Status = walletdb.ProposalProposed
		p.LastError = nil
		p.Retry.Reset()

		if data.FulfillmentURL != "" {
			prev, err := walletdb.GetPurchaseByFulfillment(tx, data.FulfillmentURL)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if err == nil && prev.ProposalID != p.ProposalID {
				p.Status = walletdb.ProposalRepurchase
				p.RepurchaseProposalID = prev.ProposalID
			}
		}
		out = p
		return walletdb.PutProposal(tx, p)
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "proposal downloaded",
		"proposalId", out.ProposalID, "merchant", merchantBaseURL, "orderId", orderID, "status", out.Status)
	e.notifier.Publish(notify.Event{Type: notify.EventProposalDownloaded, ProposalID: out.ProposalID})
	return out, nil
}

func (e *Engine) markProposal(ctx context.Context, proposalID string, mut func(*walletdb.Proposal)) error {
	return e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetProposal(tx, proposalID)
		if err != nil {
			return err
		}
		mut(p)
		return walletdb.PutProposal(tx, p)
	})
}

// RefuseProposal marks a downloaded proposal refused; its coins were never
// touched.
func (e *Engine) RefuseProposal(ctx context.Context, proposalID string) error {
	err := e.markProposal(ctx, proposalID, func(p *walletdb.Proposal) {
		p.Status = walletdb.ProposalRefused
	})
	if err != nil {
		return err
	}
	e.notifier.Publish(notify.Event{Type: notify.EventProposalRefused, ProposalID: proposalID})
	return nil
}

// AcceptPay pays for a proposal. A proposed proposal is accepted first:
// coins are selected, signed and spent in one transaction. An accepted
// one resumes payment submission; a repurchase replays the original
// purchase's receipt under the new session without spending anything.
func (e *Engine) AcceptPay(ctx context.Context, proposalID, sessionID string) (*walletdb.Purchase, error) {
	var proposal *walletdb.Proposal
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		proposal, err = walletdb.GetProposal(tx, proposalID)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch proposal.Status {
	case walletdb.ProposalProposed:
		if _, err := e.acceptProposal(ctx, proposal, sessionID); err != nil {
			return nil, err
		}
		return e.submitPay(ctx, proposalID, sessionID)
	case walletdb.ProposalAccepted:
		return e.submitPay(ctx, proposalID, sessionID)
	case walletdb.ProposalRepurchase:
		return e.submitPay(ctx, proposal.RepurchaseProposalID, sessionID)
	case walletdb.ProposalDownloading, walletdb.ProposalRefused, walletdb.ProposalPermanentlyFailed:
		return nil, fmt.Errorf("proposal %s is not payable in status %q", proposalID, proposal.Status)
	default:
		return nil, fmt.Errorf("proposal %s has unknown status %q", proposalID, proposal.Status)
	}
}

// acceptProposal promotes a proposal into a purchase: coin selection,
// deposit permission signing, coin spending and the change refresh all
// commit in one transaction, so a crash leaves either no purchase or a
// fully funded one.
func (e *Engine) acceptProposal(ctx context.Context, proposal *walletdb.Proposal, sessionID string) (*walletdb.Purchase, error) {
	contract := proposal.ContractData
	if contract == nil {
		return nil, fmt.Errorf("proposal %s has no contract data", proposal.ProposalID)
	}

	var purchase *walletdb.Purchase
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetProposal(tx, proposal.ProposalID)
		if err != nil {
			return err
		}
		if p.Status != walletdb.ProposalProposed {
			return fmt.Errorf("proposal %s is no longer proposed", p.ProposalID)
		}

		candidates, wireFees, err := e.spendableCoins(tx, contract)
		if err != nil {
			return err
		}
		sel, err := SelectPayCoins(candidates, contract, wireFees, nil)
		if err != nil {
			return err
		}

		perms, err := e.spendCoins(tx, contract, sel)
		if err != nil {
			return err
		}
		if _, err := refresh.CreateGroup(tx, sel.CoinPubs, walletdb.RefreshReasonPay); err != nil {
			return err
		}

		purchase = &walletdb.Purchase{
			ProposalID:             p.ProposalID,
			ContractTermsRaw:       p.ContractTermsRaw,
			ContractData:           *contract,
			PayCoinSelection:       *sel,
			CoinDepositPermissions: perms,
			TimestampAccepted:      time.Now(),
			LastSessionID:          sessionID,
			AutoRefundDeadline:     contract.AutoRefund,
			Refunds:                make(map[string]walletdb.RefundItem),
			AbortStatus:            walletdb.AbortNone,
			PayRetry:               retry.NewInfo(),
			RefundRetry:            retry.NewInfo(),
		}
		if err := walletdb.PutPurchase(tx, purchase); err != nil {
			return err
		}
		p.Status = walletdb.ProposalAccepted
		return walletdb.PutProposal(tx, p)
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "proposal accepted",
		"proposalId", proposal.ProposalID, "amount", purchase.PayCoinSelection.PaymentAmount.String(),
		"coins", len(purchase.PayCoinSelection.CoinPubs))
	e.notifier.Publish(notify.Event{Type: notify.EventProposalAccepted, ProposalID: proposal.ProposalID})
	return purchase, nil
}

// spendableCoins gathers selection candidates: fresh, unsuspended coins in
// the contract currency from exchanges the merchant accepts, plus the wire
// fee of each exchange involved.
func (e *Engine) spendableCoins(tx storage.ReadTx, contract *walletdb.ContractData) ([]Candidate, map[string]amount.Amount, error) {
	allowed := make(map[string]bool, len(contract.AllowedExchanges))
	for _, u := range contract.AllowedExchanges {
		allowed[u] = true
	}

	coins, err := walletdb.ListCoins(tx)
	if err != nil {
		return nil, nil, err
	}
	var candidates []Candidate
	wireFees := make(map[string]amount.Amount)
	for _, c := range coins {
		if c.Status != walletdb.CoinFresh || c.Suspended || c.CurrentAmount.IsZero() {
			continue
		}
		if c.CurrentAmount.Currency != contract.Amount.Currency {
			continue
		}
		if len(allowed) > 0 && !allowed[c.ExchangeBaseURL] {
			continue
		}
		d, err := walletdb.GetDenomination(tx, c.ExchangeBaseURL, c.DenomPubHash)
		if err != nil {
			return nil, nil, fmt.Errorf("coin %s has no denomination: %w", c.CoinPub, err)
		}
		if d.IsRevoked {
			continue
		}
		if _, ok := wireFees[c.ExchangeBaseURL]; !ok {
			ex, err := walletdb.GetExchange(tx, c.ExchangeBaseURL)
			if err != nil {
				return nil, nil, err
			}
			wireFees[c.ExchangeBaseURL] = ex.WireFee
		}
		candidates = append(candidates, Candidate{
			CoinPub:         c.CoinPub,
			Value:           c.CurrentAmount,
			FeeDeposit:      d.FeeDeposit,
			ExchangeBaseURL: c.ExchangeBaseURL,
		})
	}
	return candidates, wireFees, nil
}

// spendCoins signs one deposit permission per selected coin and subtracts
// the contributions. The signed permissions are cached on the purchase so
// later replays need no private keys.
func (e *Engine) spendCoins(tx storage.Tx, contract *walletdb.ContractData, sel *walletdb.PayCoinSelection) ([]json.RawMessage, error) {
	perms := make([]json.RawMessage, 0, len(sel.CoinPubs))
	for i, coinPub := range sel.CoinPubs {
		coin, err := walletdb.GetCoin(tx, coinPub)
		if err != nil {
			return nil, err
		}
		contribution := sel.CoinContributions[i]
		coinSig, err := e.provider.SignCoin(coin.CoinPriv, crypto.PurposeDeposit,
			merchant.DepositSigMessage(contract.ContractTermsHash, contribution))
		if err != nil {
			return nil, err
		}
		perm := merchant.DepositPermission{
			CoinPub:         coinPub,
			DenomPubHash:    coin.DenomPubHash,
			DenomSig:        coin.DenomSig,
			Contribution:    contribution,
			ExchangeBaseURL: coin.ExchangeBaseURL,
			CoinSig:         coinSig,
		}
		raw, err := json.Marshal(perm)
		if err != nil {
			return nil, err
		}
		perms = append(perms, raw)

		if coin.CurrentAmount, err = amount.SubStrict(coin.CurrentAmount, contribution); err != nil {
			return nil, fmt.Errorf("coin %s cannot contribute %s: %w", coinPub, contribution, err)
		}
		if err := walletdb.PutCoin(tx, coin); err != nil {
			return nil, err
		}
	}
	return perms, nil
}

// submitPay sends the payment, or replays the stored receipt through
// /paid when the purchase was already paid under a different session.
func (e *Engine) submitPay(ctx context.Context, proposalID, sessionID string) (*walletdb.Purchase, error) {
	var purchase *walletdb.Purchase
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		purchase, err = walletdb.GetPurchase(tx, proposalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if purchase.PayFrozen {
		return nil, fmt.Errorf("purchase %s: %w", proposalID, ErrPayFrozen)
	}
	base := purchase.ContractData.MerchantBaseURL
	orderID := purchase.ContractData.OrderID

	if purchase.MerchantPaySig != "" {
		if sessionID == purchase.LastSessionID {
			return purchase, nil
		}
		err := e.merchant.Paid(ctx, base, orderID, &merchant.PaidRequest{
			Sig:          purchase.MerchantPaySig,
			ContractHash: purchase.ContractData.ContractTermsHash,
			SessionID:    sessionID,
		})
		if err != nil {
			return nil, e.recordPayFailure(ctx, proposalID, err)
		}
		if err := e.markPurchase(ctx, proposalID, func(p *walletdb.Purchase) {
			p.LastSessionID = sessionID
			p.PayRetry.Reset()
			p.LastPayError = nil
		}); err != nil {
			return nil, err
		}
		e.notifier.Publish(notify.Event{Type: notify.EventPaySuccess, ProposalID: proposalID})
		return e.getPurchase(ctx, proposalID)
	}

	coins := make([]merchant.DepositPermission, 0, len(purchase.CoinDepositPermissions))
	for i, raw := range purchase.CoinDepositPermissions {
		var perm merchant.DepositPermission
		if err := json.Unmarshal(raw, &perm); err != nil {
			return nil, fmt.Errorf("purchase %s has bad deposit permission %d: %w", proposalID, i, err)
		}
		coins = append(coins, perm)
	}
	resp, err := e.merchant.Pay(ctx, base, orderID, &merchant.PayRequest{
		Coins:     coins,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, e.recordPayFailure(ctx, proposalID, err)
	}

	if err := e.markPurchase(ctx, proposalID, func(p *walletdb.Purchase) {
		if p.TimestampFirstSuccessfulPay == nil {
			now := time.Now()
			p.TimestampFirstSuccessfulPay = &now
		}
		p.MerchantPaySig = resp.Sig
		p.LastSessionID = sessionID
		p.PayRetry.Reset()
		p.LastPayError = nil
	}); err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "purchase paid", "proposalId", proposalID, "orderId", orderID)
	e.notifier.Publish(notify.Event{Type: notify.EventPaySuccess, ProposalID: proposalID})
	return e.getPurchase(ctx, proposalID)
}

// ProcessPurchasePay retries an outstanding payment submission.
func (e *Engine) ProcessPurchasePay(ctx context.Context, proposalID string) error {
	purchase, err := e.getPurchase(ctx, proposalID)
	if err != nil {
		return err
	}
	if purchase.PayFrozen || purchase.AbortStatus != walletdb.AbortNone {
		return nil
	}
	if purchase.MerchantPaySig != "" {
		return nil
	}
	_, err = e.submitPay(ctx, proposalID, purchase.LastSessionID)
	return err
}

// AbortPurchase freezes an unpaid purchase and hands it to the refund
// reconciler, which asks the merchant to refund whatever was deposited.
func (e *Engine) AbortPurchase(ctx context.Context, proposalID string) error {
	err := e.markPurchase(ctx, proposalID, func(p *walletdb.Purchase) {
		if p.AbortStatus == walletdb.AbortNone {
			p.AbortStatus = walletdb.AbortRefund
			p.PayFrozen = true
			p.RefundRetry.Reset()
		}
	})
	if err != nil {
		return err
	}
	e.log.InfoContext(ctx, "purchase abort requested", "proposalId", proposalID)
	return nil
}

// repairSelection rebuilds the coin selection after the merchant reported
// a conflict for a deposit, e.g. a coin double-spent by another wallet
// restored from the same backup. Previously selected coins that are still
// usable keep their recorded contributions; the shortfall is covered from
// fresh coins.
func (e *Engine) repairSelection(ctx context.Context, proposalID string) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetPurchase(tx, proposalID)
		if err != nil {
			return err
		}
		contract := &p.ContractData

		kept := make(map[string]bool, len(p.PayCoinSelection.CoinPubs))
		var prev []PreviousCoin
		for i, coinPub := range p.PayCoinSelection.CoinPubs {
			coin, err := walletdb.GetCoin(tx, coinPub)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if coin.Suspended {
				continue
			}
			d, err := walletdb.GetDenomination(tx, coin.ExchangeBaseURL, coin.DenomPubHash)
			if err != nil {
				return err
			}
			if d.IsRevoked {
				continue
			}
			prev = append(prev, PreviousCoin{
				CoinPub:         coinPub,
				Contribution:    p.PayCoinSelection.CoinContributions[i],
				FeeDeposit:      d.FeeDeposit,
				ExchangeBaseURL: coin.ExchangeBaseURL,
			})
			kept[coinPub] = true
		}

		candidates, wireFees, err := e.spendableCoins(tx, contract)
		if err != nil {
			return err
		}
		sel, err := SelectPayCoins(candidates, contract, wireFees, prev)
		if err != nil {
			return err
		}

		// Kept coins were already debited by the original selection; only
		// the newly added coins give up value now.
		perms := make([]json.RawMessage, 0, len(sel.CoinPubs))
		var newlySpent []string
		for i, coinPub := range sel.CoinPubs {
			coin, err := walletdb.GetCoin(tx, coinPub)
			if err != nil {
				return err
			}
			contribution := sel.CoinContributions[i]
			coinSig, err := e.provider.SignCoin(coin.CoinPriv, crypto.PurposeDeposit,
				merchant.DepositSigMessage(contract.ContractTermsHash, contribution))
			if err != nil {
				return err
			}
			raw, err := json.Marshal(merchant.DepositPermission{
				CoinPub:         coinPub,
				DenomPubHash:    coin.DenomPubHash,
				DenomSig:        coin.DenomSig,
				Contribution:    contribution,
				ExchangeBaseURL: coin.ExchangeBaseURL,
				CoinSig:         coinSig,
			})
			if err != nil {
				return err
			}
			perms = append(perms, raw)

			if kept[coinPub] {
				continue
			}
			if coin.CurrentAmount, err = amount.SubStrict(coin.CurrentAmount, contribution); err != nil {
				return fmt.Errorf("coin %s cannot contribute %s: %w", coinPub, contribution, err)
			}
			if err := walletdb.PutCoin(tx, coin); err != nil {
				return err
			}
			newlySpent = append(newlySpent, coinPub)
		}
		if len(newlySpent) > 0 {
			if _, err := refresh.CreateGroup(tx, newlySpent, walletdb.RefreshReasonPay); err != nil {
				return err
			}
		}

		p.PayCoinSelection = *sel
		p.CoinDepositPermissions = perms
		p.PayFrozen = false
		p.PayRetry.Reset()
		return walletdb.PutPurchase(tx, p)
	})
	if err != nil {
		return err
	}
	e.log.InfoContext(ctx, "payment selection repaired", "proposalId", proposalID)
	return nil
}

func (e *Engine) recordPayFailure(ctx context.Context, proposalID string, cause error) error {
	var reqErr *exchange.RequestError
	permanent := errors.As(cause, &reqErr) && reqErr.Permanent()

	// A conflict means the merchant rejected one of the deposits, most
	// likely a double-spent coin. Re-selecting may still save the
	// purchase; only an uncoverable shortfall freezes it.
	if reqErr != nil && reqErr.HTTPStatus == http.StatusConflict {
		repairErr := e.repairSelection(ctx, proposalID)
		if repairErr == nil {
			if err := e.markPurchase(ctx, proposalID, func(p *walletdb.Purchase) {
				p.LastPayError = errorDetail(cause)
			}); err != nil {
				return err
			}
			return cause
		}
		e.log.WarnContext(ctx, "payment repair failed", "proposalId", proposalID, "err", repairErr)
	}

	err := e.markPurchase(ctx, proposalID, func(p *walletdb.Purchase) {
		p.PayRetry.Increment()
		p.LastPayError = errorDetail(cause)
		if permanent {
			p.PayFrozen = true
		}
	})
	if err != nil {
		return err
	}
	if permanent {
		e.log.WarnContext(ctx, "payment permanently rejected", "proposalId", proposalID, "status", reqErr.HTTPStatus)
	}
	return cause
}

func (e *Engine) markPurchase(ctx context.Context, proposalID string, mut func(*walletdb.Purchase)) error {
	return e.store.Update(ctx, func(tx storage.Tx) error {
		p, err := walletdb.GetPurchase(tx, proposalID)
		if err != nil {
			return err
		}
		mut(p)
		return walletdb.PutPurchase(tx, p)
	})
}

func (e *Engine) getPurchase(ctx context.Context, proposalID string) (*walletdb.Purchase, error) {
	var purchase *walletdb.Purchase
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		purchase, err = walletdb.GetPurchase(tx, proposalID)
		return err
	})
	return purchase, err
}

func errorDetail(err error) *walletdb.ErrorDetail {
	var reqErr *exchange.RequestError
	if errors.As(err, &reqErr) {
		return &walletdb.ErrorDetail{Code: reqErr.Code, Hint: reqErr.Hint, Message: reqErr.Error()}
	}
	return &walletdb.ErrorDetail{Message: err.Error()}
}
