package identity

import (
	"bytes"
	"testing"
)

func TestDeriveEncryptionKeypairDeterministic(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a, err := DeriveEncryptionKeypair(kp)
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	b, err := DeriveEncryptionKeypair(kp)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}
	if a.PublicKey != b.PublicKey || a.PrivateKey != b.PrivateKey {
		t.Fatal("derivation is not deterministic")
	}
}

func TestPublicKeyToCurve25519MatchesOwnDerivation(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	box, err := DeriveEncryptionKeypair(kp)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	converted, err := PublicKeyToCurve25519(kp.PublicKey)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !bytes.Equal(converted[:], box.PublicKey[:]) {
		t.Fatalf("converted public key does not match derived box public key:\n got  %x\n want %x", converted, box.PublicKey)
	}
}
