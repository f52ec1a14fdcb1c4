package wire

import (
	"crypto/rand"
	"encoding/binary"
)

// NewMessageID allocates a time-ordered 16-byte identifier: the first 6
// bytes are a big-endian millisecond timestamp, the remaining 10 are
// random. Lexicographic order therefore follows the millisecond
// timestamp; ids allocated within the same millisecond sort in random
// order relative to each other.
func NewMessageID(nowMs int64) [16]byte {
	var id [16]byte
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(nowMs))
	copy(id[:6], ts[2:])
	_, _ = rand.Read(id[6:])
	return id
}
