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

// Package crypto defines the provider contract for all asymmetric
// cryptography the wallet core consumes. The core treats key and signature
// material as opaque byte strings and never interprets bit layout; the
// concrete scheme lives behind the [Provider] interface (see circlrsa for
// the blind-RSA implementation).
package crypto

import "errors"

// ErrSignatureInvalid indicates a signature did not verify.
var ErrSignatureInvalid = errors.New("signature invalid")

// SignaturePurpose domain-separates coin signatures so a signature produced
// for one operation can never be replayed for another.
type SignaturePurpose string

const (
	PurposeDeposit      SignaturePurpose = "deposit"
	PurposeMelt         SignaturePurpose = "melt"
	PurposeRecoup       SignaturePurpose = "recoup"
	PurposeLinkTransfer SignaturePurpose = "link"
	PurposeWithdraw     SignaturePurpose = "withdraw"
	PurposeDenomIssue   SignaturePurpose = "denom-issue"
)

// Planchet is an unsigned, blinded coin candidate. The blinded message is
// what gets submitted to the exchange for blind signing; the keypair stays
// local until the signature arrives.
type Planchet struct {
	// CoinPub is the coin public key in its string encoding.
	CoinPub string
	// CoinPriv is the opaque coin private key.
	CoinPriv []byte
	// BlindedMessage is the blinded coin public key to be signed by the
	// denomination key.
	BlindedMessage []byte
}

// Provider performs coin key derivation, blind-signature handling, hashing
// and plain signing for the wallet core.
//
// Planchet derivation must be deterministic in (secretSeed, index): calling
// Planchet twice with the same inputs must yield the identical keypair and
// blinded message, so that an interrupted withdrawal or refresh can be
// replayed against the exchange without losing the blinding state.
type Provider interface {
	// EdDSAKeyPair generates a fresh signing keypair in the encodings used
	// for coin, reserve and nonce keys.
	EdDSAKeyPair() (pub string, priv []byte, err error)

	// DenomPubHash returns the canonical hash identifying a denomination
	// public key.
	DenomPubHash(denomPub []byte) string

	// Planchet derives the coin keypair and blinding factor for the given
	// index from the secret seed and blinds the coin under denomPub.
	Planchet(denomPub, secretSeed []byte, index uint32) (*Planchet, error)

	// Unblind turns the exchange's blind signature over the planchet at
	// the given index into an unblinded denomination signature. The
	// returned signature must verify under denomPub.
	Unblind(denomPub, secretSeed []byte, index uint32, blindSignature []byte) ([]byte, error)

	// VerifyDenomSignature checks an unblinded denomination signature over
	// a coin public key. Returns [ErrSignatureInvalid] on mismatch.
	VerifyDenomSignature(denomPub []byte, coinPub string, signature []byte) error

	// SignCoin signs a message with a coin private key under the given
	// purpose.
	SignCoin(coinPriv []byte, purpose SignaturePurpose, message []byte) ([]byte, error)

	// VerifyCoinSignature checks a coin signature made by SignCoin.
	VerifyCoinSignature(coinPub string, purpose SignaturePurpose, message, signature []byte) error

	// Hash computes the canonical hash over the concatenation of the
	// inputs, in the encoding used for commitments on the wire.
	Hash(data ...[]byte) string
}
