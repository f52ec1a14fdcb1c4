package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"

	"github.com/pinch-protocol/pinch-sub002/identity"
)

// ErrDecryptFailed covers any box.Open failure: wrong key, tampered
// ciphertext, or a reused/incorrect nonce. The cause is deliberately not
// distinguished further to avoid turning decryption into an oracle.
var ErrDecryptFailed = errors.New("client: decrypt failed")

// sealPlaintext encrypts plaintext for peerSigningKey using an
// authenticated public-key box: the peer's signing key is converted to
// its Curve25519 counterpart, and a fresh random nonce is generated.
func sealPlaintext(plaintext []byte, peerSigningKey ed25519.PublicKey, senderBox identity.BoxKeypair) (nonce [24]byte, ciphertext []byte, err error) {
	peerBoxPub, err := identity.PublicKeyToCurve25519(peerSigningKey)
	if err != nil {
		return nonce, nil, err
	}
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, nil, err
	}
	ciphertext = box.Seal(nil, plaintext, &nonce, &peerBoxPub, &senderBox.PrivateKey)
	return nonce, ciphertext, nil
}

// openCiphertext decrypts a box sealed by peerSigningKey's holder,
// verifying authenticity as part of the open.
func openCiphertext(ciphertext []byte, nonce [24]byte, peerSigningKey ed25519.PublicKey, localBox identity.BoxKeypair) ([]byte, error) {
	peerBoxPub, err := identity.PublicKeyToCurve25519(peerSigningKey)
	if err != nil {
		return nil, err
	}
	plaintext, ok := box.Open(nil, ciphertext, &nonce, &peerBoxPub, &localBox.PrivateKey)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
