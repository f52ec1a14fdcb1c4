package identity

import (
	"crypto/ed25519"
	"errors"
	"math/big"
)

// ErrInvalidPublicKey is returned when a peer's signing public key cannot
// be converted to a Curve25519 point: wrong length, or a y coordinate of 1,
// for which the map has no inverse. Curve membership is not checked.
var ErrInvalidPublicKey = errors.New("identity: invalid ed25519 public key")

// fieldPrime is 2^255 - 19, the prime underlying both Curve25519 and
// Ed25519's field.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// PublicKeyToCurve25519 converts an Ed25519 (Edwards) public key to its
// Curve25519 (Montgomery) counterpart via the standard birational map
// u = (1+y)/(1-y) mod p, where y is the Edwards y-coordinate recovered
// from the encoded point (the encoding's top bit, the sign of x, is
// irrelevant to the Montgomery u-coordinate and is simply discarded).
//
// No library in the retrieval pack implements this specific conversion;
// it is hand-written against math/big because there is no idiomatic way
// to do modular inverse over a 255-bit prime with the stdlib elliptic
// curve packages, which only expose named NIST curves. See DESIGN.md.
func PublicKeyToCurve25519(pub ed25519.PublicKey) ([32]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return [32]byte{}, ErrInvalidPublicKey
	}

	var encoded [32]byte
	copy(encoded[:], pub)
	encoded[31] &= 0x7f // clear the sign-of-x bit; only y survives

	y := new(big.Int).SetBytes(reverseBytes(encoded[:]))

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, fieldPrime)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, fieldPrime)

	inv := new(big.Int).ModInverse(denominator, fieldPrime)
	if inv == nil {
		return [32]byte{}, ErrInvalidPublicKey
	}

	u := new(big.Int).Mul(numerator, inv)
	u.Mod(u, fieldPrime)

	return bigIntToLittleEndian32(u), nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func bigIntToLittleEndian32(v *big.Int) [32]byte {
	be := v.Bytes()
	var out [32]byte
	for i := 0; i < len(be) && i < 32; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}
