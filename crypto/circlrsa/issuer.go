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

package circlrsa

import (
	"crypto/rsa"
	"fmt"

	"github.com/cloudflare/circl/blindsign/blindrsa"
)

// Issuer is the signing side of the blind-RSA scheme. The wallet core never
// signs denominations itself; Issuer exists for test fakes that stand in for
// an exchange.
type Issuer struct {
	signer   blindrsa.Signer
	pub      *rsa.PublicKey
	denomPub []byte
}

func NewIssuer(sk *rsa.PrivateKey) (*Issuer, error) {
	denomPub, err := EncodeDenomPub(&sk.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return &Issuer{
		signer:   blindrsa.NewSigner(sk),
		pub:      &sk.PublicKey,
		denomPub: denomPub,
	}, nil
}

// DenomPub returns the PKIX encoding of the issuer's public key, the form
// the wallet stores and hashes.
func (i *Issuer) DenomPub() []byte {
	return i.denomPub
}

// BlindSign signs a blinded planchet message.
func (i *Issuer) BlindSign(blindedMessage []byte) ([]byte, error) {
	blindSignature, err := i.signer.BlindSign(blindedMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to sign blinded message: %w", err)
	}
	return blindSignature, nil
}
