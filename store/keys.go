package store

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Key components are joined with a NUL byte; identifiers are validated to
// never contain one.
const sep = 0x00

// Key namespaces.
const (
	nsMessage    = "msg"
	nsThread     = "thr"
	nsSort       = "srt"
	nsNonce      = "rcn"
	nsCursor     = "cur"
	nsLocal      = "loc"
	nsExpiration = "exp"
	nsExpByMsg   = "expm"
)

// Key joins parts into a storage key.
func Key(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(sep)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// Prefix returns the key prefix shared by every key starting with parts.
func Prefix(parts ...string) []byte {
	return append(Key(parts...), sep)
}

// PrefixEnd returns the smallest key greater than every key with prefix.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// SeqPart encodes a sequence number so keys sort numerically.
func SeqPart(n int) string {
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%020d", n)
}

// TimePart encodes a timestamp so keys sort chronologically.
func TimePart(t time.Time) string {
	ns := t.UnixNano()
	if ns < 0 {
		ns = 0
	}
	return fmt.Sprintf("%020d", ns)
}

// SortPart encodes a float64 so the byte order of the encoding matches the
// numeric order.
func SortPart(f float64) string {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(bits)
		bits >>= 8
	}
	return hex.EncodeToString(b[:])
}

// lastPart returns the component after the last separator.
func lastPart(key []byte) string {
	i := bytes.LastIndexByte(key, sep)
	return string(key[i+1:])
}

// splitKey returns the components of a key.
func splitKey(key []byte) []string {
	parts := bytes.Split(key, []byte{sep})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}
