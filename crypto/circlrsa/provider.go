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

// Package circlrsa implements the wallet crypto provider with blind RSA
// signatures (RSABSSA) from cloudflare/circl and ed25519 coin keys.
//
// All per-coin material is derived with HKDF from a secret seed and a coin
// index, so planchets can be re-derived byte-identically after a crash.
package circlrsa

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"golang.org/x/crypto/hkdf"

	walletcrypto "github.com/coinward/coinward/crypto"
)

// The zero-salt deterministic RSABSSA variant: the coin public key carries
// all the entropy the signature needs, and blinding reads nothing but the
// caller-supplied randomness. Feeding it the HKDF stream makes the blinded
// message a pure function of (denomPub, secretSeed, index).
const variant = blindrsa.SHA384PSSZeroDeterministic

// Provider implements [walletcrypto.Provider].
type Provider struct {
	mu      sync.Mutex
	clients map[string]blindrsa.Client
}

var _ walletcrypto.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		clients: map[string]blindrsa.Client{},
	}
}

// ParseDenomPub decodes a PKIX-encoded RSA denomination public key.
func ParseDenomPub(denomPub []byte) (*rsa.PublicKey, error) {
	pk, err := x509.ParsePKIXPublicKey(denomPub)
	if err != nil {
		return nil, fmt.Errorf("failed to parse denomination key: %w", err)
	}
	rsaPk, ok := pk.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("denomination key is %T, want RSA", pk)
	}
	return rsaPk, nil
}

// EncodeDenomPub encodes an RSA denomination public key in PKIX form.
func EncodeDenomPub(pk *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pk)
}

func (p *Provider) client(denomPub []byte) (blindrsa.Client, error) {
	key := string(denomPub)
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	pk, err := ParseDenomPub(denomPub)
	if err != nil {
		return blindrsa.Client{}, err
	}
	c, err := blindrsa.NewClient(variant, pk)
	if err != nil {
		return blindrsa.Client{}, fmt.Errorf("failed to create blind signature client: %w", err)
	}
	p.clients[key] = c
	return c, nil
}

func (p *Provider) EdDSAKeyPair() (string, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return encodeCoinPub(pub), priv, nil
}

func (p *Provider) DenomPubHash(denomPub []byte) string {
	h := sha512.Sum512(denomPub)
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// coinKey derives the deterministic ed25519 keypair for a coin index.
func coinKey(secretSeed []byte, index uint32) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	r := deriveReader(secretSeed, index, "coin-key")
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, nil, fmt.Errorf("failed to derive coin key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

func deriveReader(secretSeed []byte, index uint32, info string) io.Reader {
	var salt [4]byte
	binary.BigEndian.PutUint32(salt[:], index)
	return hkdf.New(sha256.New, secretSeed, salt[:], []byte(info))
}

// blind runs the RSABSSA blinding for a coin with the blinding factor drawn
// from the coin's derivation stream instead of real randomness, so the same
// (seed, index) always produces the same blinded message and unblinding
// state.
func blind(c blindrsa.Client, coinPub ed25519.PublicKey, secretSeed []byte, index uint32) ([]byte, blindrsa.State, error) {
	stream := deriveReader(secretSeed, index, "blinding-factor")
	return c.Blind(stream, []byte(coinPub))
}

func (p *Provider) Planchet(denomPub, secretSeed []byte, index uint32) (*walletcrypto.Planchet, error) {
	client, err := p.client(denomPub)
	if err != nil {
		return nil, err
	}
	pub, priv, err := coinKey(secretSeed, index)
	if err != nil {
		return nil, err
	}
	blindedMessage, _, err := blind(client, pub, secretSeed, index)
	if err != nil {
		return nil, fmt.Errorf("failed to blind coin key: %w", err)
	}

	return &walletcrypto.Planchet{
		CoinPub:        encodeCoinPub(pub),
		CoinPriv:       []byte(priv),
		BlindedMessage: blindedMessage,
	}, nil
}

func (p *Provider) Unblind(denomPub, secretSeed []byte, index uint32, blindSignature []byte) ([]byte, error) {
	client, err := p.client(denomPub)
	if err != nil {
		return nil, err
	}
	pub, _, err := coinKey(secretSeed, index)
	if err != nil {
		return nil, err
	}

	// Re-deriving the planchet recreates the state that the original
	// blinding produced, so unblinding stays possible across process
	// restarts.
	_, state, err := blind(client, pub, secretSeed, index)
	if err != nil {
		return nil, fmt.Errorf("failed to re-blind coin key: %w", err)
	}

	// Finalize also verifies the unblinded signature against the
	// denomination key.
	signature, err := client.Finalize(state, blindSignature)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize blind signature: %w", err)
	}
	return signature, nil
}

func (p *Provider) VerifyDenomSignature(denomPub []byte, coinPub string, signature []byte) error {
	client, err := p.client(denomPub)
	if err != nil {
		return err
	}
	pub, err := decodeCoinPub(coinPub)
	if err != nil {
		return err
	}
	if err := client.Verify([]byte(pub), signature); err != nil {
		return fmt.Errorf("%w: %v", walletcrypto.ErrSignatureInvalid, err)
	}
	return nil
}

func (p *Provider) SignCoin(coinPriv []byte, purpose walletcrypto.SignaturePurpose, message []byte) ([]byte, error) {
	if len(coinPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("coin private key has %d bytes, want %d", len(coinPriv), ed25519.PrivateKeySize)
	}
	return ed25519.Sign(ed25519.PrivateKey(coinPriv), purposedMessage(purpose, message)), nil
}

func (p *Provider) VerifyCoinSignature(coinPub string, purpose walletcrypto.SignaturePurpose, message, signature []byte) error {
	pub, err := decodeCoinPub(coinPub)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, purposedMessage(purpose, message), signature) {
		return walletcrypto.ErrSignatureInvalid
	}
	return nil
}

func purposedMessage(purpose walletcrypto.SignaturePurpose, message []byte) []byte {
	out := make([]byte, 0, len(purpose)+1+len(message))
	out = append(out, []byte(purpose)...)
	out = append(out, 0)
	return append(out, message...)
}

func (p *Provider) Hash(data ...[]byte) string {
	h := sha512.New()
	for _, d := range data {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(d)))
		h.Write(n[:])
		h.Write(d)
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func encodeCoinPub(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

func decodeCoinPub(coinPub string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(coinPub)
	if err != nil {
		return nil, fmt.Errorf("failed to decode coin public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("coin public key has %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}
