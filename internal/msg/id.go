package msg

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"
)

// Crockford base32, the alphabet ULIDs use. Lexicographic order of encoded
// strings matches numeric order of the underlying bits.
const idAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewID returns a 26-character time-ordered message id: 48 bits of unix
// milliseconds followed by 80 random bits, Crockford base32 encoded. IDs
// generated later sort lexicographically after earlier ones.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt is NewID with an explicit timestamp. Used by compaction when a
// synthesized summary must sort before the tail it precedes.
func NewIDAt(t time.Time) string {
	var b [26]byte

	ms := uint64(t.UnixMilli()) & ((1 << 48) - 1)
	for i := 9; i >= 0; i-- {
		b[i] = idAlphabet[ms&31]
		ms >>= 5
	}

	var r [10]byte
	if _, err := io.ReadFull(rand.Reader, r[:]); err != nil {
		// crypto/rand does not fail on supported platforms; keep ids unique
		// anyway if it ever does.
		binary.BigEndian.PutUint64(r[:8], uint64(time.Now().UnixNano()))
	}

	// 80 bits -> 16 five-bit groups.
	var acc uint32
	bits := 0
	pos := 10
	for _, by := range r {
		acc = acc<<8 | uint32(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			b[pos] = idAlphabet[(acc>>uint(bits))&31]
			pos++
		}
	}
	return string(b[:])
}

// IDTime recovers the millisecond timestamp prefix of an id. Returns the
// zero time for ids that are not in NewID form.
func IDTime(id string) time.Time {
	if len(id) != 26 {
		return time.Time{}
	}
	var ms uint64
	for i := 0; i < 10; i++ {
		v := decodeCrockford(id[i])
		if v < 0 {
			return time.Time{}
		}
		ms = ms<<5 | uint64(v)
	}
	return time.UnixMilli(int64(ms))
}

func decodeCrockford(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		for i := 10; i < len(idAlphabet); i++ {
			if idAlphabet[i] == c {
				return i
			}
		}
	}
	return -1
}
