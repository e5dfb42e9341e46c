// Package wal defines the log position type shared across the pipeline.
// Positions address the source database's write-ahead log and serve as
// cache keys and client resume cursors.
package wal

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Position is a totally ordered address into the source WAL.
// The zero value sorts before every valid position.
type Position uint64

// SerializedLen is the length of the external binary form.
const SerializedLen = 8

// Serialize returns the external binary form. Big-endian, so the
// byte-lexicographic order of two serialized positions matches their
// logical order and stored cursors compare correctly without decoding.
func (p Position) Serialize() []byte {
	buf := make([]byte, SerializedLen)
	binary.BigEndian.PutUint64(buf, uint64(p))
	return buf
}

// Parse decodes the external binary form produced by Serialize.
func Parse(data []byte) (Position, error) {
	if len(data) != SerializedLen {
		return 0, fmt.Errorf("invalid position length: %d", len(data))
	}
	return Position(binary.BigEndian.Uint64(data)), nil
}

// Compare returns -1, 0 or 1 as p is before, at or past other.
func (p Position) Compare(other Position) int {
	switch {
	case p < other:
		return -1
	case p > other:
		return 1
	default:
		return 0
	}
}

// String renders the position in the source database's split hex form.
func (p Position) String() string {
	return fmt.Sprintf("%X/%X", uint64(p)>>32, uint32(p))
}

// ParseString parses the split hex form produced by String.
func ParseString(s string) (Position, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	return Position(hi<<32 | lo), nil
}
