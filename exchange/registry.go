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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/notify"
	"github.com/coinward/coinward/storage"
	"github.com/coinward/coinward/walletdb"
)

const denomPubCacheSize = 512

// Registry maintains the wallet's stored view of exchanges and their
// denominations, and serves denomination public keys to the crypto paths
// through a small cache.
type Registry struct {
	store    storage.Store
	client   *Client
	provider crypto.Provider
	notifier *notify.Notifier
	log      *slog.Logger

	// denomPubs caches exchange|hash -> denomination public key. Keys are
	// immutable once stored, so the cache never needs invalidation.
	denomPubs *lru.Cache[string, []byte]
}

func NewRegistry(store storage.Store, client *Client, provider crypto.Provider, notifier *notify.Notifier, log *slog.Logger) *Registry {
	cache, err := lru.New[string, []byte](denomPubCacheSize)
	if err != nil {
		panic(err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		store:     store,
		client:    client,
		provider:  provider,
		notifier:  notifier,
		log:       log,
		denomPubs: cache,
	}
}

// DenomIssueMessage builds the byte string the exchange master key signs
// for one denomination: the pub hash plus the value and fee schedule.
func DenomIssueMessage(denomPubHash string, value, feeWithdraw, feeDeposit, feeRefresh, feeRefund amount.Amount) []byte {
	var b bytes.Buffer
	for _, s := range []string{
		denomPubHash,
		value.String(),
		feeWithdraw.String(),
		feeDeposit.String(),
		feeRefresh.String(),
		feeRefund.String(),
	} {
		b.WriteString(s)
		b.WriteByte(0)
	}
	return b.Bytes()
}

// UpdateKeys fetches /keys and reconciles the stored denominations in one
// transaction: new denominations are inserted and verified against the
// master key, missing ones are marked unoffered, and newly revoked ones
// get a recoup group for their remaining coins.
func (r *Registry) UpdateKeys(ctx context.Context, baseURL string) error {
	keys, err := r.client.Keys(ctx, baseURL)
	if err != nil {
		return fmt.Errorf("failed to fetch keys from %s: %w", baseURL, err)
	}

	wireFee := keys.WireFee
	if wireFee.Currency == "" {
		wireFee = amount.Zero(keys.Currency)
	}

	var recoupGroups []string
	err = r.store.Update(ctx, func(tx storage.Tx) error {
		if err := walletdb.PutExchange(tx, &walletdb.Exchange{
			BaseURL:         baseURL,
			Currency:        keys.Currency,
			MasterPub:       keys.MasterPub,
			ProtocolVersion: keys.Version,
			WireFee:         wireFee,
			LastKeysUpdate:  time.Now(),
		}); err != nil {
			return err
		}

		existing, err := walletdb.ListDenominations(tx, baseURL)
		if err != nil {
			return err
		}
		byHash := make(map[string]*walletdb.Denomination, len(existing))
		for _, d := range existing {
			byHash[d.DenomPubHash] = d
		}

		seen := make(map[string]bool, len(keys.Denoms))
		for i := range keys.Denoms {
			kd := &keys.Denoms[i]
			hash := r.provider.DenomPubHash(kd.DenomPub)
			seen[hash] = true
			if d, ok := byHash[hash]; ok {
				if !d.IsOffered {
					d.IsOffered = true
					if err := walletdb.PutDenomination(tx, d); err != nil {
						return err
					}
				}
				continue
			}
			d := &walletdb.Denomination{
				ExchangeBaseURL:     baseURL,
				DenomPubHash:        hash,
				DenomPub:            kd.DenomPub,
				Value:               kd.Value,
				FeeWithdraw:         kd.FeeWithdraw,
				FeeDeposit:          kd.FeeDeposit,
				FeeRefresh:          kd.FeeRefresh,
				FeeRefund:           kd.FeeRefund,
				StampStart:          kd.StampStart.T,
				StampExpireWithdraw: kd.StampExpireWithdraw.T,
				StampExpireDeposit:  kd.StampExpireDeposit.T,
				StampExpireLegal:    kd.StampExpireLegal.T,
				MasterSig:           kd.MasterSig,
				IsOffered:           true,
				Verification:        r.verifyDenom(keys.MasterPub, kd, hash),
			}
			if d.Verification == walletdb.DenomBad {
				r.log.WarnContext(ctx, "denomination has bad issuer signature",
					"exchange", baseURL, "denomPubHash", hash)
			}
			if err := walletdb.PutDenomination(tx, d); err != nil {
				return err
			}
		}

		for hash, d := range byHash {
			if !seen[hash] && d.IsOffered {
				d.IsOffered = false
				if err := walletdb.PutDenomination(tx, d); err != nil {
					return err
				}
			}
		}

		for _, rev := range keys.Recoup {
			groupID, err := r.applyRevocation(tx, baseURL, rev.DenomPubHash)
			if err != nil {
				return err
			}
			if groupID != "" {
				recoupGroups = append(recoupGroups, groupID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.InfoContext(ctx, "exchange keys updated",
		"exchange", baseURL, "denoms", len(keys.Denoms), "revocations", len(keys.Recoup))
	r.notifier.Publish(notify.Event{Type: notify.EventExchangeKeysUpdated, ExchangeBaseURL: baseURL})
	return nil
}

// applyRevocation marks the denomination revoked and, the first time
// only, opens a recoup group over its coins that still carry value.
// Returns the new group id, or "" when nothing was created.
func (r *Registry) applyRevocation(tx storage.Tx, baseURL, denomPubHash string) (string, error) {
	changed, err := walletdb.MarkDenominationRevoked(tx, baseURL, denomPubHash)
	if errors.Is(err, storage.ErrNotFound) {
		// Revocation of a denomination this wallet never saw.
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !changed {
		return "", nil
	}
	coins, err := walletdb.ListCoinsByDenomination(tx, baseURL, denomPubHash)
	if err != nil {
		return "", err
	}
	var coinPubs []string
	for _, c := range coins {
		if !c.CurrentAmount.IsZero() {
			coinPubs = append(coinPubs, c.CoinPub)
		}
	}
	if len(coinPubs) == 0 {
		return "", nil
	}
	return walletdb.CreateRecoupGroup(tx, baseURL, coinPubs)
}

func (r *Registry) verifyDenom(masterPub string, kd *KeysDenomination, hash string) walletdb.DenomVerification {
	msg := DenomIssueMessage(hash, kd.Value, kd.FeeWithdraw, kd.FeeDeposit, kd.FeeRefresh, kd.FeeRefund)
	if err := r.provider.VerifyCoinSignature(masterPub, crypto.PurposeDenomIssue, msg, kd.MasterSig); err != nil {
		return walletdb.DenomBad
	}
	return walletdb.DenomGood
}

// DenomPub returns the public key of a stored denomination.
func (r *Registry) DenomPub(ctx context.Context, exchangeBaseURL, denomPubHash string) ([]byte, error) {
	cacheKey := exchangeBaseURL + "|" + denomPubHash
	if pub, ok := r.denomPubs.Get(cacheKey); ok {
		return pub, nil
	}
	var pub []byte
	err := r.store.View(ctx, func(tx storage.ReadTx) error {
		d, err := walletdb.GetDenomination(tx, exchangeBaseURL, denomPubHash)
		if err != nil {
			return err
		}
		pub = d.DenomPub
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.denomPubs.Add(cacheKey, pub)
	return pub, nil
}
