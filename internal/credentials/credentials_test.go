package credentials

import (
	"bytes"
	"testing"
)

func TestDeriveKeypairDeterministic(t *testing.T) {
	a := DeriveKeypair("secretA")
	b := DeriveKeypair("secretA")

	if !bytes.Equal(a.PublicKey, b.PublicKey) || !bytes.Equal(a.PrivateKey, b.PrivateKey) {
		t.Fatalf("same secret produced different keypairs")
	}
}

func TestDeriveKeypairDistinctSecrets(t *testing.T) {
	secrets := []string{"secretA", "secretB", "secretA ", "", "SecretA"}
	seen := make(map[string]string, len(secrets))
	for _, s := range secrets {
		pub := DeriveKeypair(s).PublicKeyHex()
		if prev, ok := seen[pub]; ok {
			t.Fatalf("secrets %q and %q collided", prev, s)
		}
		seen[pub] = s
	}
}

func TestSignVerify(t *testing.T) {
	k := DeriveKeypair("seat-0-secret")
	sig := Sign("0", k.PrivateKey)

	tests := []struct {
		name   string
		seat   string
		pub    string
		sig    string
		expect bool
	}{
		{"valid", "0", k.PublicKeyHex(), sig, true},
		{"other seat", "1", k.PublicKeyHex(), sig, false},
		{"other key", "0", DeriveKeypair("other").PublicKeyHex(), sig, false},
		{"garbage key", "0", "zz", sig, false},
		{"short signature", "0", k.PublicKeyHex(), sig[:10], false},
		{"empty", "0", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.seat, tt.pub, tt.sig); got != tt.expect {
				t.Fatalf("Verify() = %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestProof(t *testing.T) {
	k := DeriveKeypair("s")
	p := NewProof("1", k)
	if !p.Verify("1") {
		t.Fatalf("fresh proof does not verify")
	}
	if p.Verify("0") {
		t.Fatalf("proof verified for the wrong seat")
	}

	var nilProof *Proof
	if nilProof.Verify("1") {
		t.Fatalf("nil proof verified")
	}
	if NewProof("1", Keypair{}) != nil {
		t.Fatalf("zero keypair should not produce a proof")
	}
}

func TestParsePublicKey(t *testing.T) {
	k := DeriveKeypair("s")
	pub, err := ParsePublicKey(k.PublicKeyHex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(pub, k.PublicKey) {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParsePublicKey("abcd"); err != ErrMalformedKey {
		t.Fatalf("expected ErrMalformedKey, got %v", err)
	}
}
