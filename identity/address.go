package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrAddressMalformed covers any structurally invalid address string.
var ErrAddressMalformed = errors.New("identity: malformed address")

// ErrChecksumMismatch is returned by ParseAddress when the trailing
// 4-byte checksum doesn't match the decoded public key.
var ErrChecksumMismatch = errors.New("identity: address checksum mismatch")

const addressPrefix = "pinch:"

// DeriveAddress builds the canonical pinch:<base58(pubkey||checksum4)>@host
// address for a public key. Addresses are assigned by the relay
// post-authentication; this is also what the relay calls internally once
// a handshake succeeds.
func DeriveAddress(pub ed25519.PublicKey, relayHost string) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrAddressMalformed
	}
	if relayHost == "" {
		return "", ErrAddressMalformed
	}
	sum := sha256.Sum256(pub)
	payload := make([]byte, 0, ed25519.PublicKeySize+4)
	payload = append(payload, pub...)
	payload = append(payload, sum[:4]...)
	return fmt.Sprintf("%s%s@%s", addressPrefix, base58Encode(payload), relayHost), nil
}

// ParseAddress splits and validates a canonical address, returning the
// embedded public key and relay host. The checksum is verified.
func ParseAddress(s string) (ed25519.PublicKey, string, error) {
	if !strings.HasPrefix(s, addressPrefix) {
		return nil, "", ErrAddressMalformed
	}
	rest := s[len(addressPrefix):]
	at := strings.LastIndexByte(rest, '@')
	if at < 0 || at == len(rest)-1 {
		return nil, "", ErrAddressMalformed
	}
	encoded, host := rest[:at], rest[at+1:]
	if encoded == "" || host == "" {
		return nil, "", ErrAddressMalformed
	}

	payload, err := base58Decode(encoded)
	if err != nil {
		return nil, "", ErrAddressMalformed
	}
	if len(payload) != ed25519.PublicKeySize+4 {
		return nil, "", ErrAddressMalformed
	}
	pub := ed25519.PublicKey(payload[:ed25519.PublicKeySize])
	wantChecksum := payload[ed25519.PublicKeySize:]
	sum := sha256.Sum256(pub)
	if string(sum[:4]) != string(wantChecksum) {
		return nil, "", ErrChecksumMismatch
	}
	return pub, host, nil
}

// base58Alphabet is the Bitcoin-style alphabet: no 0/O/I/l, to avoid
// visual confusion when an address is read aloud or copied by hand.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Big = big.NewInt(58)

func base58Encode(b []byte) string {
	zero := byte(base58Alphabet[0])

	leadingZeros := 0
	for leadingZeros < len(b) && b[leadingZeros] == 0 {
		leadingZeros++
	}

	n := new(big.Int).SetBytes(b)
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base58Big, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for i := 0; i < leadingZeros; i++ {
		out = append(out, zero)
	}
	// out was built least-significant-digit first; reverse it.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) == 0 {
		return string(zero)
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	zero := byte(base58Alphabet[0])

	leadingZeros := 0
	for leadingZeros < len(s) && s[leadingZeros] == zero {
		leadingZeros++
	}

	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(base58Alphabet, s[i])
		if idx < 0 {
			return nil, errors.New("identity: invalid base58 character")
		}
		n.Mul(n, base58Big)
		n.Add(n, big.NewInt(int64(idx)))
	}

	decoded := n.Bytes()
	out := make([]byte, leadingZeros+len(decoded))
	copy(out[leadingZeros:], decoded)
	return out, nil
}
