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

package circlrsa_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"

	walletcrypto "github.com/coinward/coinward/crypto"
	"github.com/coinward/coinward/crypto/circlrsa"
)

func newIssuer(t *testing.T) *circlrsa.Issuer {
	t.Helper()
	sk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer, err := circlrsa.NewIssuer(sk)
	require.NoError(t, err)
	return issuer
}

func TestPlanchetDeterministic(t *testing.T) {
	issuer := newIssuer(t)
	provider := circlrsa.New()
	seed := []byte("test-secret-seed-0123456789abcdef")

	p1, err := provider.Planchet(issuer.DenomPub(), seed, 7)
	require.NoError(t, err)
	p2, err := provider.Planchet(issuer.DenomPub(), seed, 7)
	require.NoError(t, err)
	require.Equal(t, p1.CoinPub, p2.CoinPub)
	require.Equal(t, p1.BlindedMessage, p2.BlindedMessage)

	p3, err := provider.Planchet(issuer.DenomPub(), seed, 8)
	require.NoError(t, err)
	require.NotEqual(t, p1.CoinPub, p3.CoinPub)
}

func TestBlindSignRoundtrip(t *testing.T) {
	issuer := newIssuer(t)
	provider := circlrsa.New()
	seed := []byte("another-secret-seed")

	planchet, err := provider.Planchet(issuer.DenomPub(), seed, 0)
	require.NoError(t, err)

	blindSig, err := issuer.BlindSign(planchet.BlindedMessage)
	require.NoError(t, err)

	sig, err := provider.Unblind(issuer.DenomPub(), seed, 0, blindSig)
	require.NoError(t, err)

	require.NoError(t, provider.VerifyDenomSignature(issuer.DenomPub(), planchet.CoinPub, sig))

	// A signature must not verify for a different coin.
	other, err := provider.Planchet(issuer.DenomPub(), seed, 1)
	require.NoError(t, err)
	err = provider.VerifyDenomSignature(issuer.DenomPub(), other.CoinPub, sig)
	require.ErrorIs(t, err, walletcrypto.ErrSignatureInvalid)
}

func TestCoinSignatures(t *testing.T) {
	issuer := newIssuer(t)
	provider := circlrsa.New()
	seed := []byte("coin-signature-seed")

	planchet, err := provider.Planchet(issuer.DenomPub(), seed, 0)
	require.NoError(t, err)

	msg := []byte("melt commitment")
	sig, err := provider.SignCoin(planchet.CoinPriv, walletcrypto.PurposeMelt, msg)
	require.NoError(t, err)

	require.NoError(t, provider.VerifyCoinSignature(planchet.CoinPub, walletcrypto.PurposeMelt, msg, sig))

	// Purpose strings domain-separate signatures.
	err = provider.VerifyCoinSignature(planchet.CoinPub, walletcrypto.PurposeDeposit, msg, sig)
	require.ErrorIs(t, err, walletcrypto.ErrSignatureInvalid)
}

func TestDenomPubHashStable(t *testing.T) {
	issuer := newIssuer(t)
	provider := circlrsa.New()
	h1 := provider.DenomPubHash(issuer.DenomPub())
	h2 := provider.DenomPubHash(issuer.DenomPub())
	require.Equal(t, h1, h2)
	require.NotEmpty(t, h1)
}
