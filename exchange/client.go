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

// Package exchange talks to exchange backends: the HTTP client for the
// withdraw, melt, reveal and recoup endpoints, and the registry that keeps
// the wallet's view of the exchange's denominations current.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Validator is implemented by all response types; decoding and validation
// happen together at the HTTP boundary.
type Validator interface {
	Validate() error
}

// Client issues requests against exchange HTTP APIs. Safe for concurrent
// use.
type Client struct {
	hc  *http.Client
	log *slog.Logger
}

// NewClient builds a client. A nil httpClient uses http.DefaultClient; a
// nil logger discards.
func NewClient(httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{hc: httpClient, log: log}
}

// JoinURL appends escaped path segments to a base URL.
func JoinURL(baseURL string, segments ...string) string {
	b := strings.TrimSuffix(baseURL, "/")
	for _, s := range segments {
		b += "/" + url.PathEscape(s)
	}
	return b
}

// DoJSON performs one request. Non-2xx answers become a *RequestError carrying
// the body's numeric code when present. 2xx bodies are decoded into out
// and validated; an invalid body is an error, never partial data.
func (c *Client) DoJSON(ctx context.Context, method, requestURL string, body any, out Validator) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", requestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{HTTPStatus: resp.StatusCode}
		var detail struct {
			Code int    `json:"code"`
			Hint string `json:"hint"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&detail); err == nil {
			reqErr.Code = detail.Code
			reqErr.Hint = detail.Hint
		}
		c.log.DebugContext(ctx, "backend returned error",
			"url", requestURL, "status", resp.StatusCode, "code", reqErr.Code)
		return reqErr
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	// Normative messages are decoded closed: a field this client does not
	// know is a protocol mismatch, not something to drop silently.
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", requestURL, err)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("invalid response from %s: %w", requestURL, err)
	}
	return nil
}

// Keys fetches and validates the exchange's denomination list.
func (c *Client) Keys(ctx context.Context, baseURL string) (*KeysResponse, error) {
	var out KeysResponse
	if err := c.DoJSON(ctx, http.MethodGet, JoinURL(baseURL, "keys"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReserveStatus queries the balance of a reserve. An unknown reserve is a
// *RequestError with HTTP status 404; the caller decides whether that is
// expected.
func (c *Client) ReserveStatus(ctx context.Context, baseURL, reservePub string) (*ReserveStatusResponse, error) {
	var out ReserveStatusResponse
	if err := c.DoJSON(ctx, http.MethodGet, JoinURL(baseURL, "reserves", reservePub), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Withdraw submits one blinded planchet for signing.
func (c *Client) Withdraw(ctx context.Context, baseURL, reservePub string, req *WithdrawRequest) (*WithdrawResponse, error) {
	var out WithdrawResponse
	u := JoinURL(baseURL, "reserves", reservePub, "withdraw")
	if err := c.DoJSON(ctx, http.MethodPost, u, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Melt commits a coin to a refresh session. The request is deterministic
// for a given session, so resubmitting after a crash yields the same
// noreveal index.
func (c *Client) Melt(ctx context.Context, baseURL, coinPub string, req *MeltRequest) (*MeltResponse, error) {
	var out MeltResponse
	u := JoinURL(baseURL, "coins", coinPub, "melt")
	if err := c.DoJSON(ctx, http.MethodPost, u, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reveal opens a refresh commitment and collects the fresh coin
// signatures.
func (c *Client) Reveal(ctx context.Context, baseURL, refreshCommitment string, req *RevealRequest) (*RevealResponse, error) {
	var out RevealResponse
	u := JoinURL(baseURL, "refreshes", refreshCommitment, "reveal")
	if err := c.DoJSON(ctx, http.MethodPost, u, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recoup claims the residual value of a coin of a revoked denomination.
func (c *Client) Recoup(ctx context.Context, baseURL, coinPub string, req *RecoupRequest) (*RecoupResponse, error) {
	var out RecoupResponse
	u := JoinURL(baseURL, "coins", coinPub, "recoup")
	if err := c.DoJSON(ctx, http.MethodPost, u, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
