// Package identity generates Pinch signing keypairs, derives their
// paired Curve25519 encryption keys, and derives/validates the canonical
// pinch: address.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"

	"golang.org/x/crypto/curve25519"
)

// Keypair is a signing keypair over Ed25519.
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeypair creates a fresh signing keypair.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

// BoxKeypair is the Curve25519 keypair used for NaCl box encryption,
// deterministically derived from a signing keypair.
type BoxKeypair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// DeriveEncryptionKeypair converts a signing keypair into its paired
// encryption keypair via the standard curve conversion: the private
// scalar is clamp(SHA-512(seed)[:32]) (the same construction Ed25519
// itself uses internally to turn a seed into a signing scalar), and the
// public key is the corresponding Curve25519 base-point multiple.
func DeriveEncryptionKeypair(kp Keypair) (BoxKeypair, error) {
	seed := kp.PrivateKey.Seed()
	digest := sha512.Sum512(seed)

	var priv [32]byte
	copy(priv[:], digest[:32])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return BoxKeypair{PublicKey: pub, PrivateKey: priv}, nil
}
