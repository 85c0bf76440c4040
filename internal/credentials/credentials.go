// Package credentials derives per-seat keypairs from shared secrets and produces
// proofs of seat ownership.
package credentials

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/sha3"
)

const seedLabel = "turnrelay/seat-credentials/v1"

// ErrMalformedKey is returned when a hex-encoded key or signature cannot be decoded.
var ErrMalformedKey = errors.New("malformed key")

// Keypair is the credential of one seat. The public half doubles as the seat's bearer
// credential, the private half signs proofs.
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Proof shows possession of a seat's private key.
type Proof struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// DeriveKeypair hashes secret into an ed25519 seed. Same secret, same keypair.
func DeriveKeypair(secret string) Keypair {
	h := sha3.New256()
	h.Write([]byte(seedLabel))
	h.Write([]byte(secret))
	seed := h.Sum(nil)

	priv := ed25519.NewKeyFromSeed(seed)
	return Keypair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}
}

// PublicKeyHex returns the wire form of the public key.
func (k Keypair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// IsZero reports whether the keypair was never derived.
func (k Keypair) IsZero() bool {
	return len(k.PrivateKey) == 0
}

// Sign signs seatID with the private key and returns the hex signature.
func Sign(seatID string, priv ed25519.PrivateKey) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(seatID)))
}

// Verify checks a hex signature over seatID against a hex public key.
// Malformed input never verifies.
func Verify(seatID, publicKey, signature string) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(seatID), sig)
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, ErrMalformedKey
	}
	return ed25519.PublicKey(b), nil
}

// NewProof signs seatID with k.
func NewProof(seatID string, k Keypair) *Proof {
	if k.IsZero() {
		return nil
	}
	return &Proof{
		PublicKey: k.PublicKeyHex(),
		Signature: Sign(seatID, k.PrivateKey),
	}
}

// Verify checks the proof for seatID.
func (p *Proof) Verify(seatID string) bool {
	if p == nil {
		return false
	}
	return Verify(seatID, p.PublicKey, p.Signature)
}
