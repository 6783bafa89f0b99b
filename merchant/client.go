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

// Package merchant talks to merchant backends: claiming orders, paying,
// replaying paid receipts, aborting partial payments and querying refunds.
package merchant

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coinward/coinward/exchange"
)

// ErrOrderClaimed indicates the order was already claimed by another
// wallet; retrying with the same nonce cannot succeed.
var ErrOrderClaimed = errors.New("order already claimed")

// Client issues requests against merchant HTTP APIs. It shares the JSON
// request plumbing of the exchange client, so merchant failures surface as
// *exchange.RequestError too.
type Client struct {
	rpc *exchange.Client
}

// NewClient wraps the given request client.
func NewClient(rpc *exchange.Client) *Client {
	return &Client{rpc: rpc}
}

func orderURL(baseURL, orderID, verb string) string {
	return exchange.JoinURL(baseURL, "orders", orderID, verb)
}

// Claim binds an order to this wallet's nonce and downloads its contract
// terms. A conflict answer means another wallet claimed it first and is
// reported as ErrOrderClaimed.
func (c *Client) Claim(ctx context.Context, baseURL, orderID string, req *ClaimRequest) (*ClaimResponse, error) {
	var out ClaimResponse
	err := c.rpc.DoJSON(ctx, http.MethodPost, orderURL(baseURL, orderID, "claim"), req, &out)
	var reqErr *exchange.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatus == http.StatusConflict {
		return nil, fmt.Errorf("failed to claim order %s: %w", orderID, ErrOrderClaimed)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Pay submits the deposit permissions paying for an order and returns the
// merchant's receipt.
func (c *Client) Pay(ctx context.Context, baseURL, orderID string, req *PayRequest) (*PayResponse, error) {
	var out PayResponse
	if err := c.rpc.DoJSON(ctx, http.MethodPost, orderURL(baseURL, orderID, "pay"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Paid replays a stored receipt for a new session. A 2xx answer confirms
// the order counts as paid under the submitted session.
func (c *Client) Paid(ctx context.Context, baseURL, orderID string, req *PaidRequest) error {
	return c.rpc.DoJSON(ctx, http.MethodPost, orderURL(baseURL, orderID, "paid"), req, nil)
}

// Abort asks the merchant to refund a partially paid order.
func (c *Client) Abort(ctx context.Context, baseURL, orderID string, req *AbortRequest) (*AbortResponse, error) {
	var out AbortResponse
	if err := c.rpc.DoJSON(ctx, http.MethodPost, orderURL(baseURL, orderID, "abort"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryRefund fetches the merchant's current refund view of an order.
func (c *Client) QueryRefund(ctx context.Context, baseURL, orderID string, req *RefundRequest) (*RefundResponse, error) {
	var out RefundResponse
	if err := c.rpc.DoJSON(ctx, http.MethodPost, orderURL(baseURL, orderID, "refund"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
