// Package auth implements the relay-driven challenge-response handshake
// that authenticates a client's signing key and binds it to a transport
// session before any other traffic is accepted.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"time"
)

// domainTag domain-separates the signed challenge payload from any other
// use of the client's signing key.
const domainTag = "pinch-auth-v1"

const nonceSize = 32

var (
	ErrChallengeExpired = errors.New("auth: challenge expired")
	ErrNonceMismatch    = errors.New("auth: nonce mismatch")
	ErrSignatureInvalid = errors.New("auth: signature invalid")
	ErrInvalidPublicKey = errors.New("auth: invalid public key length")
)

// Challenge is the relay's AuthChallenge payload.
type Challenge struct {
	Version     int32
	Nonce       [nonceSize]byte
	IssuedAtMs  int64
	ExpiresAtMs int64
	RelayHost   string
}

// GenerateChallenge issues a fresh nonce challenge valid for ttl.
func GenerateChallenge(relayHost string, now time.Time, ttl time.Duration) (Challenge, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Challenge{}, err
	}
	issued := now.UnixMilli()
	return Challenge{
		Version:     1,
		Nonce:       nonce,
		IssuedAtMs:  issued,
		ExpiresAtMs: issued + ttl.Milliseconds(),
		RelayHost:   relayHost,
	}, nil
}

// SignedPayload builds the canonical domain-separated byte string the
// client signs in its AuthResponse:
// "pinch-auth-v1" ‖ 0x00 ‖ relay_host ‖ 0x00 ‖ nonce.
func SignedPayload(relayHost string, nonce []byte) []byte {
	b := make([]byte, 0, len(domainTag)+1+len(relayHost)+1+len(nonce))
	b = append(b, domainTag...)
	b = append(b, 0)
	b = append(b, relayHost...)
	b = append(b, 0)
	b = append(b, nonce...)
	return b
}

// Sign produces the client's AuthResponse signature over the challenge.
func Sign(priv ed25519.PrivateKey, relayHost string, nonce []byte) []byte {
	return ed25519.Sign(priv, SignedPayload(relayHost, nonce))
}

// VerifyResponse checks an AuthResponse against the issued challenge: the
// echoed nonce must match, the challenge must not have expired as of
// verifyAt, and the signature must validate over the canonical payload.
// A challenge expired by even 1ms at verification time is rejected.
func VerifyResponse(ch Challenge, verifyAt time.Time, pub ed25519.PublicKey, echoedNonce, signature []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	if !bytes.Equal(ch.Nonce[:], echoedNonce) {
		return ErrNonceMismatch
	}
	if verifyAt.UnixMilli() > ch.ExpiresAtMs {
		return ErrChallengeExpired
	}
	payload := SignedPayload(ch.RelayHost, echoedNonce)
	if !ed25519.Verify(pub, payload, signature) {
		return ErrSignatureInvalid
	}
	return nil
}
