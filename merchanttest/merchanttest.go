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

// Package merchanttest runs an in-process fake merchant backend for
// tests: order claiming with nonce binding, pay with coin signature
// verification, paid replay, abort and refund queries. No exchange
// deposits actually happen; what counts as "deposited" is whatever a
// successful /pay recorded.
package merchanttest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/crypto/circlrsa"
	"github.com/coinward/coinward/exchange"
	"github.com/coinward/coinward/merchant"
	"github.com/coinward/coinward/wiretime"
)

// Order is one order the fake merchant offers. Configure the exported
// fields before the wallet touches the order.
type Order struct {
	ID             string
	Summary        string
	Amount         amount.Amount
	FulfillmentURL string
	ClaimToken     string
	MaxFee         amount.Amount
	MaxWireFee     amount.Amount
	// WireFeeAmortization of zero leaves the field out of the contract.
	WireFeeAmortization int
	// AutoRefund, when set, becomes the contract's auto_refund deadline.
	AutoRefund *time.Time

	claimedNonce string
	contractRaw  json.RawMessage
	contractHash string
	paySig       string
	paidSessions map[string]bool
	deposits     map[string]merchant.DepositPermission
	refunds      []merchant.CoinRefundStatus
	nextRTxID    uint64
}

// Merchant is the fake backend.
type Merchant struct {
	t        *testing.T
	provider crypto.Provider
	srv      *httptest.Server

	merchantPub string

	mu     sync.Mutex
	orders map[string]*Order

	// FailNextPays makes the next n pay requests fail with a 500 before
	// recording anything.
	FailNextPays int
	// ConflictNextPays makes the next n pay requests fail with a 409, the
	// way a merchant reports a double-spent coin.
	ConflictNextPays int
}

// New starts a fake merchant. The server shuts down with the test.
func New(t *testing.T) *Merchant {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	m := &Merchant{
		t:           t,
		provider:    circlrsa.New(),
		merchantPub: base64.RawURLEncoding.EncodeToString(pub),
		orders:      make(map[string]*Order),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders/{id}/claim", m.handleClaim)
	mux.HandleFunc("POST /orders/{id}/pay", m.handlePay)
	mux.HandleFunc("POST /orders/{id}/paid", m.handlePaid)
	mux.HandleFunc("POST /orders/{id}/abort", m.handleAbort)
	mux.HandleFunc("POST /orders/{id}/refund", m.handleRefund)

	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

// BaseURL returns the merchant base URL with a trailing slash.
func (m *Merchant) BaseURL() string {
	return m.srv.URL + "/"
}

// AddOrder registers an order with the given id and amount and returns it
// for further configuration.
func (m *Merchant) AddOrder(orderID, amountStr string) *Order {
	m.t.Helper()
	amt := amount.MustParse(amountStr)
	o := &Order{
		ID:           orderID,
		Summary:      "order " + orderID,
		Amount:       amt,
		MaxFee:       amount.Zero(amt.Currency),
		MaxWireFee:   amount.Zero(amt.Currency),
		paidSessions: make(map[string]bool),
		deposits:     make(map[string]merchant.DepositPermission),
	}
	m.mu.Lock()
	m.orders[orderID] = o
	m.mu.Unlock()
	return o
}

// Paid reports whether the order counts as paid under the given session.
func (m *Merchant) Paid(orderID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	return ok && o.paySig != "" && o.paidSessions[sessionID]
}

// Deposited reports whether a successful pay recorded the given coin.
func (m *Merchant) Deposited(orderID, coinPub string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false
	}
	_, ok = o.deposits[coinPub]
	return ok
}

// GrantRefund makes the next refund query report a successful refund of
// the given amount for the coin, and returns the refund transaction id.
func (m *Merchant) GrantRefund(orderID, coinPub, amountStr string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.nextRTxID++
	o.refunds = append(o.refunds, merchant.CoinRefundStatus{
		Type:           merchant.RefundStatusSuccess,
		CoinPub:        coinPub,
		RTransactionID: o.nextRTxID,
		RefundAmount:   amount.MustParse(amountStr),
		ExecutionTime:  wiretime.New(time.Now()),
	})
	return o.nextRTxID
}

// FailRefund makes the next refund query report a failed refund attempt
// with the given exchange verdict.
func (m *Merchant) FailRefund(orderID, coinPub, amountStr string, exchangeStatus, exchangeCode int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.nextRTxID++
	o.refunds = append(o.refunds, merchant.CoinRefundStatus{
		Type:           merchant.RefundStatusFailure,
		CoinPub:        coinPub,
		RTransactionID: o.nextRTxID,
		RefundAmount:   amount.MustParse(amountStr),
		ExchangeStatus: exchangeStatus,
		ExchangeCode:   exchangeCode,
		ExecutionTime:  wiretime.New(time.Now()),
	})
	return o.nextRTxID
}

func (m *Merchant) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req merchant.ClaimRequest
	if !readJSON(w, r, &req) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, 0, "order unknown")
		return
	}
	if o.ClaimToken != "" && req.Token != o.ClaimToken {
		writeError(w, http.StatusForbidden, 0, "claim token mismatch")
		return
	}
	if o.claimedNonce != "" && o.claimedNonce != req.Nonce {
		writeError(w, http.StatusConflict, 0, "order claimed by another wallet")
		return
	}
	if o.claimedNonce == "" {
		o.claimedNonce = req.Nonce
		o.contractRaw = m.buildContract(o, req.Nonce)
		o.contractHash = m.provider.Hash(o.contractRaw)
	}
	writeJSON(w, http.StatusOK, merchant.ClaimResponse{ContractTerms: o.contractRaw})
}

func (m *Merchant) buildContract(o *Order, nonce string) json.RawMessage {
	now := time.Now()
	terms := map[string]any{
		"summary":           o.Summary,
		"order_id":          o.ID,
		"amount":            o.Amount,
		"merchant_pub":      m.merchantPub,
		"merchant_base_url": m.BaseURL(),
		"max_fee":           o.MaxFee,
		"max_wire_fee":      o.MaxWireFee,
		"wire_method":       "x-coinward-test",
		"timestamp":         wiretime.New(now),
		"pay_deadline":      wiretime.New(now.Add(time.Hour)),
		"refund_deadline":   wiretime.New(now.Add(time.Hour)),
		"nonce":             nonce,
	}
	if o.FulfillmentURL != "" {
		terms["fulfillment_url"] = o.FulfillmentURL
	}
	if o.WireFeeAmortization > 0 {
		terms["wire_fee_amortization"] = o.WireFeeAmortization
	}
	if o.AutoRefund != nil {
		terms["auto_refund"] = wiretime.New(*o.AutoRefund)
	}
	raw, err := json.Marshal(terms)
	require.NoError(m.t, err)
	return raw
}

func (m *Merchant) handlePay(w http.ResponseWriter, r *http.Request) {
	var req merchant.PayRequest
	if !readJSON(w, r, &req) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextPays > 0 {
		m.FailNextPays--
		writeError(w, http.StatusInternalServerError, 0, "injected failure")
		return
	}
	if m.ConflictNextPays > 0 {
		m.ConflictNextPays--
		writeError(w, http.StatusConflict, 0, "coin already spent")
		return
	}
	o, ok := m.orders[r.PathValue("id")]
	if !ok || o.claimedNonce == "" {
		writeError(w, http.StatusNotFound, 0, "order unknown or unclaimed")
		return
	}
	if o.paySig != "" {
		// Already paid; answer with the same receipt.
		o.paidSessions[req.SessionID] = true
		writeJSON(w, http.StatusOK, merchant.PayResponse{Sig: o.paySig})
		return
	}

	total := amount.Zero(o.Amount.Currency)
	for _, coin := range req.Coins {
		msg := merchant.DepositSigMessage(o.contractHash, coin.Contribution)
		if err := m.provider.VerifyCoinSignature(coin.CoinPub, crypto.PurposeDeposit, msg, coin.CoinSig); err != nil {
			writeError(w, http.StatusForbidden, 0, "bad coin signature")
			return
		}
		sum, err := amount.Add(total, coin.Contribution)
		require.NoError(m.t, err)
		total = sum
	}
	if total.Cmp(o.Amount) < 0 {
		writeError(w, http.StatusNotAcceptable, 0, "payment does not cover contract amount")
		return
	}
	for _, coin := range req.Coins {
		o.deposits[coin.CoinPub] = coin
	}
	o.paySig = "pay-receipt-" + o.ID
	o.paidSessions[req.SessionID] = true
	writeJSON(w, http.StatusOK, merchant.PayResponse{Sig: o.paySig})
}

func (m *Merchant) handlePaid(w http.ResponseWriter, r *http.Request) {
	var req merchant.PaidRequest
	if !readJSON(w, r, &req) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[r.PathValue("id")]
	if !ok || o.paySig == "" {
		writeError(w, http.StatusNotFound, 0, "order not paid")
		return
	}
	if req.Sig != o.paySig || req.ContractHash != o.contractHash {
		writeError(w, http.StatusConflict, 0, "receipt does not match")
		return
	}
	o.paidSessions[req.SessionID] = true
	w.WriteHeader(http.StatusNoContent)
}

// handleAbort answers with one refund status per submitted coin: coins a
// successful pay deposited get a refund, coins the merchant never saw are
// reported as deposit-not-found so the wallet can restore them directly.
func (m *Merchant) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req merchant.AbortRequest
	if !readJSON(w, r, &req) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[r.PathValue("id")]
	if !ok || o.claimedNonce == "" {
		writeError(w, http.StatusNotFound, 0, "order unknown or unclaimed")
		return
	}
	resp := merchant.AbortResponse{}
	for _, coin := range req.Coins {
		if dep, deposited := o.deposits[coin.CoinPub]; deposited {
			o.nextRTxID++
			resp.Refunds = append(resp.Refunds, merchant.CoinRefundStatus{
				Type:           merchant.RefundStatusSuccess,
				CoinPub:        coin.CoinPub,
				RTransactionID: o.nextRTxID,
				RefundAmount:   dep.Contribution,
				ExecutionTime:  wiretime.New(time.Now()),
			})
			continue
		}
		resp.Refunds = append(resp.Refunds, merchant.CoinRefundStatus{
			Type:           merchant.RefundStatusFailure,
			CoinPub:        coin.CoinPub,
			RefundAmount:   coin.Contribution,
			ExchangeStatus: http.StatusNotFound,
			ExchangeCode:   exchange.CodeDepositNotFound,
			ExecutionTime:  wiretime.New(time.Now()),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Merchant) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req merchant.RefundRequest
	if !readJSON(w, r, &req) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, 0, "order unknown")
		return
	}
	total := amount.Zero(o.Amount.Currency)
	for _, ref := range o.refunds {
		if ref.Type != merchant.RefundStatusSuccess {
			continue
		}
		sum, err := amount.Add(total, ref.RefundAmount)
		require.NoError(m.t, err)
		total = sum
	}
	writeJSON(w, http.StatusOK, merchant.RefundResponse{
		RefundAmount: total,
		Refunds:      o.refunds,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status, code int, hint string) {
	writeJSON(w, status, map[string]any{"code": code, "hint": hint})
}

func readJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, 0, "malformed request body")
		return false
	}
	return true
}
