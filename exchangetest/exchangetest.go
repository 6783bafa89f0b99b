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

// Package exchangetest runs an in-process fake exchange for tests. It
// implements the wire protocol faithfully enough to exercise the wallet:
// real blind signatures, reserve accounting, melt commitments and
// revocations, but no persistence and no wire transfers.
package exchangetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
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
	"github.com/coinward/coinward/wiretime"
)

// Denom is one denomination the fake exchange issues.
type Denom struct {
	Hash        string
	Value       amount.Amount
	FeeWithdraw amount.Amount
	FeeDeposit  amount.Amount
	FeeRefresh  amount.Amount
	FeeRefund   amount.Amount
	Revoked     bool

	issuer *circlrsa.Issuer
}

type meltState struct {
	coinPub       string
	norevealIndex int
}

// Exchange is the fake. All exported fields and methods are safe for use
// while the server runs; mutators take the internal lock.
type Exchange struct {
	t        *testing.T
	provider crypto.Provider
	srv      *httptest.Server

	masterKey ed25519.PrivateKey
	masterPub string
	currency  string

	mu       sync.Mutex
	denoms   map[string]*Denom
	reserves map[string]amount.Amount
	melts    map[string]meltState
	recouped map[string]bool

	// OnRecoup decides how a recoup request is answered. The fake has no
	// deposit history, so tests provide the crediting target per coin.
	OnRecoup func(coinPub string, req exchange.RecoupRequest) (exchange.RecoupResponse, bool)

	// WithdrawFailures maps a denomination hash to an HTTP status; the
	// next withdraw for it fails once with that status.
	WithdrawFailures map[string]int

	// FailNextReveals makes the next n reveal requests fail with a 500.
	FailNextReveals int

	// WireFee is reported in /keys; zero by default.
	WireFee amount.Amount
}

// New starts a fake exchange with one denomination per given value
// string. The server shuts down with the test.
func New(t *testing.T, currency string, values ...string) *Exchange {
	t.Helper()

	masterPub, masterKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	e := &Exchange{
		t:                t,
		provider:         circlrsa.New(),
		masterKey:        masterKey,
		masterPub:        base64.RawURLEncoding.EncodeToString(masterPub),
		currency:         currency,
		denoms:           make(map[string]*Denom),
		reserves:         make(map[string]amount.Amount),
		melts:            make(map[string]meltState),
		recouped:         make(map[string]bool),
		WithdrawFailures: make(map[string]int),
		WireFee:          amount.Zero(currency),
	}
	for _, v := range values {
		e.AddDenom(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /keys", e.handleKeys)
	mux.HandleFunc("GET /reserves/{pub}", e.handleReserveStatus)
	mux.HandleFunc("POST /reserves/{pub}/withdraw", e.handleWithdraw)
	mux.HandleFunc("POST /coins/{pub}/melt", e.handleMelt)
	mux.HandleFunc("POST /refreshes/{rc}/reveal", e.handleReveal)
	mux.HandleFunc("POST /coins/{pub}/recoup", e.handleRecoup)

	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.srv.Close)
	return e
}

// BaseURL returns the exchange base URL with a trailing slash.
func (e *Exchange) BaseURL() string {
	return e.srv.URL + "/"
}

// AddDenom creates a denomination of the given value with zero fees and
// returns it for fee adjustment.
func (e *Exchange) AddDenom(value string) *Denom {
	e.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(e.t, err)
	issuer, err := circlrsa.NewIssuer(key)
	require.NoError(e.t, err)
	d := &Denom{
		Hash:        e.provider.DenomPubHash(issuer.DenomPub()),
		Value:       amount.MustParse(value),
		FeeWithdraw: amount.Zero(e.currency),
		FeeDeposit:  amount.Zero(e.currency),
		FeeRefresh:  amount.Zero(e.currency),
		FeeRefund:   amount.Zero(e.currency),
		issuer:      issuer,
	}
	e.mu.Lock()
	e.denoms[d.Hash] = d
	e.mu.Unlock()
	return d
}

// Denoms returns all denominations, for test assertions.
func (e *Exchange) Denoms() []*Denom {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Denom, 0, len(e.denoms))
	for _, d := range e.denoms {
		out = append(out, d)
	}
	return out
}

// FundReserve credits a reserve as if a wire transfer had arrived.
func (e *Exchange) FundReserve(reservePub string, amt amount.Amount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.reserves[reservePub]; ok {
		sum, err := amount.Add(cur, amt)
		require.NoError(e.t, err)
		e.reserves[reservePub] = sum
		return
	}
	e.reserves[reservePub] = amt
}

// ReserveBalance reads the current balance of a reserve.
func (e *Exchange) ReserveBalance(reservePub string) (amount.Amount, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.reserves[reservePub]
	return b, ok
}

// Revoke marks a denomination revoked; the next /keys lists it under
// recoup.
func (e *Exchange) Revoke(denomPubHash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.denoms[denomPubHash].Revoked = true
}

func (e *Exchange) handleKeys(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	resp := exchange.KeysResponse{
		Version:   "17:0:0",
		Currency:  e.currency,
		MasterPub: e.masterPub,
		WireFee:   e.WireFee,
	}
	for _, d := range e.denoms {
		if d.Revoked {
			resp.Recoup = append(resp.Recoup, exchange.Revocation{DenomPubHash: d.Hash})
			continue
		}
		msg := exchange.DenomIssueMessage(d.Hash, d.Value, d.FeeWithdraw, d.FeeDeposit, d.FeeRefresh, d.FeeRefund)
		sig, err := e.provider.SignCoin(e.masterKey, crypto.PurposeDenomIssue, msg)
		require.NoError(e.t, err)
		resp.Denoms = append(resp.Denoms, exchange.KeysDenomination{
			DenomPub:            d.issuer.DenomPub(),
			Value:               d.Value,
			FeeWithdraw:         d.FeeWithdraw,
			FeeDeposit:          d.FeeDeposit,
			FeeRefresh:          d.FeeRefresh,
			FeeRefund:           d.FeeRefund,
			StampStart:          wiretime.New(now.Add(-time.Hour)),
			StampExpireWithdraw: wiretime.New(now.Add(24 * time.Hour)),
			StampExpireDeposit:  wiretime.New(now.Add(48 * time.Hour)),
			StampExpireLegal:    wiretime.New(now.Add(96 * time.Hour)),
			MasterSig:           sig,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *Exchange) handleReserveStatus(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	balance, ok := e.reserves[r.PathValue("pub")]
	if !ok {
		writeError(w, http.StatusNotFound, 0, "reserve unknown")
		return
	}
	writeJSON(w, http.StatusOK, exchange.ReserveStatusResponse{Balance: balance})
}

func (e *Exchange) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req exchange.WithdrawRequest
	if !readJSON(w, r, &req) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if status, ok := e.WithdrawFailures[req.DenomPubHash]; ok {
		delete(e.WithdrawFailures, req.DenomPubHash)
		writeError(w, status, 0, "injected failure")
		return
	}
	d, ok := e.denoms[req.DenomPubHash]
	if !ok || d.Revoked {
		writeError(w, http.StatusNotFound, exchange.CodeDenominationRevoked, "unknown or revoked denomination")
		return
	}
	reservePub := r.PathValue("pub")
	balance, ok := e.reserves[reservePub]
	if !ok {
		writeError(w, http.StatusNotFound, 0, "reserve unknown")
		return
	}
	cost, err := amount.Add(d.Value, d.FeeWithdraw)
	require.NoError(e.t, err)
	if amount.Cmp(balance, cost) < 0 {
		writeError(w, http.StatusConflict, exchange.CodeWithdrawInsufficientFunds, "insufficient reserve balance")
		return
	}
	remaining, err := amount.Sub(balance, cost)
	require.NoError(e.t, err)
	e.reserves[reservePub] = remaining

	sig, err := d.issuer.BlindSign(req.CoinEv)
	require.NoError(e.t, err)
	writeJSON(w, http.StatusOK, exchange.WithdrawResponse{EvSig: sig})
}

func (e *Exchange) handleMelt(w http.ResponseWriter, r *http.Request) {
	var req exchange.MeltRequest
	if !readJSON(w, r, &req) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.denoms[req.DenomPubHash]
	if !ok || d.Revoked {
		writeError(w, http.StatusNotFound, 0, "unknown or revoked denomination")
		return
	}
	// Resubmitting the same commitment must return the same index.
	st, ok := e.melts[req.RefreshCommitment]
	if !ok {
		st = meltState{
			coinPub:       r.PathValue("pub"),
			norevealIndex: len(e.melts) % 3,
		}
		e.melts[req.RefreshCommitment] = st
	}
	idx := st.norevealIndex
	writeJSON(w, http.StatusOK, exchange.MeltResponse{NorevealIndex: &idx})
}

func (e *Exchange) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req exchange.RevealRequest
	if !readJSON(w, r, &req) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.FailNextReveals > 0 {
		e.FailNextReveals--
		writeError(w, http.StatusInternalServerError, 0, "injected failure")
		return
	}
	if _, ok := e.melts[r.PathValue("rc")]; !ok {
		writeError(w, http.StatusNotFound, 0, "unknown refresh commitment")
		return
	}
	if len(req.NewDenomsH) != len(req.CoinEvs) {
		writeError(w, http.StatusBadRequest, 0, "denoms and envelopes disagree")
		return
	}
	resp := exchange.RevealResponse{}
	for i, hash := range req.NewDenomsH {
		d, ok := e.denoms[hash]
		if !ok {
			writeError(w, http.StatusNotFound, 0, "unknown denomination")
			return
		}
		sig, err := d.issuer.BlindSign(req.CoinEvs[i])
		require.NoError(e.t, err)
		resp.EvSigs = append(resp.EvSigs, exchange.RevealSig{EvSig: sig})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *Exchange) handleRecoup(w http.ResponseWriter, r *http.Request) {
	var req exchange.RecoupRequest
	if !readJSON(w, r, &req) {
		return
	}
	coinPub := r.PathValue("pub")

	e.mu.Lock()
	d, ok := e.denoms[req.DenomPubHash]
	if !ok || !d.Revoked {
		e.mu.Unlock()
		writeError(w, http.StatusNotFound, 0, "denomination not revoked")
		return
	}
	e.recouped[coinPub] = true
	onRecoup := e.OnRecoup
	e.mu.Unlock()

	if onRecoup == nil {
		writeError(w, http.StatusInternalServerError, 0, "no recoup handler configured")
		return
	}
	resp, ok := onRecoup(coinPub, req)
	if !ok {
		writeError(w, http.StatusNotFound, 0, "unknown coin")
		return
	}
	if resp.ReservePub != "" {
		e.FundReserve(resp.ReservePub, d.Value)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Recouped reports whether a coin has gone through recoup.
func (e *Exchange) Recouped(coinPub string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recouped[coinPub]
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
