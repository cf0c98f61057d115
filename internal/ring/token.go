package ring

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/ringkv/internal/errors"
)

// Token is a position on the ring. The space is the full uint64 range and is
// cyclic: arithmetic on tokens wraps through zero.
type Token uint64

// String returns the canonical wire representation of the token
func (t Token) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// TokenFactory parses tokens from their canonical string form
type TokenFactory struct{}

// FromString parses a canonical token string
func (TokenFactory) FromString(s string) (Token, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.MalformedMessage("token", err)
	}
	return Token(v), nil
}

// FromBytes parses a UTF-8 token string received off the wire
func (f TokenFactory) FromBytes(b []byte) (Token, error) {
	return f.FromString(string(b))
}

// Partitioner maps keys onto the token ring
type Partitioner struct{}

// Token hashes a key to its ring position
func (Partitioner) Token(key []byte) Token {
	return Token(xxhash.Sum64(key))
}

// MidPoint returns the token halfway along the arc from left to right,
// walking clockwise. Valid for wrapping arcs: the distance is computed
// modulo the ring size.
func MidPoint(left, right Token) Token {
	dist := uint64(right) - uint64(left)
	return left + Token(dist/2)
}

// Distance returns the clockwise distance from a to b on the ring
func Distance(a, b Token) uint64 {
	return uint64(b) - uint64(a)
}
