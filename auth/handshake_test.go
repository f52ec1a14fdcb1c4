package auth

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestVerifyResponseAccepts(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Unix(1_700_000_000, 0)
	ch, err := GenerateChallenge("relay.example.com", now, 10*time.Second)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	sig := Sign(priv, ch.RelayHost, ch.Nonce[:])

	if err := VerifyResponse(ch, now.Add(time.Second), pub, ch.Nonce[:], sig); err != nil {
		t.Fatalf("expected valid response, got %v", err)
	}
}

func TestVerifyResponseRejectsExpiredByOneMillisecond(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Unix(1_700_000_000, 0)
	ch, _ := GenerateChallenge("relay.example.com", now, 10*time.Second)
	sig := Sign(priv, ch.RelayHost, ch.Nonce[:])

	verifyAt := time.UnixMilli(ch.ExpiresAtMs + 1)
	if err := VerifyResponse(ch, verifyAt, pub, ch.Nonce[:], sig); err != ErrChallengeExpired {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestVerifyResponseRejectsNonceMismatch(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Unix(1_700_000_000, 0)
	ch, _ := GenerateChallenge("relay.example.com", now, 10*time.Second)
	sig := Sign(priv, ch.RelayHost, ch.Nonce[:])

	var otherNonce [nonceSize]byte
	otherNonce[0] = ch.Nonce[0] + 1

	if err := VerifyResponse(ch, now, pub, otherNonce[:], sig); err != ErrNonceMismatch {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
}

func TestVerifyResponseRejectsBadSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	now := time.Unix(1_700_000_000, 0)
	ch, _ := GenerateChallenge("relay.example.com", now, 10*time.Second)
	sig := Sign(otherPriv, ch.RelayHost, ch.Nonce[:])

	if err := VerifyResponse(ch, now, pub, ch.Nonce[:], sig); err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}
