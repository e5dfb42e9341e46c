package window

import (
	"errors"

	"github.com/walpipe/walpipe/wal"
)

// Stream is a lazy, finite, non-restartable walk over cached entries in
// (from, to]. Built on repeated NextSegment calls; it terminates when
// the window has nothing newer or the next entry lies past to.
//
// Usage follows the scanner pattern:
//
//	s := cache.StreamTransactions(from, to)
//	for s.Next() {
//		handle(s.Entry())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	cache *Cache
	cur   wal.Position
	to    wal.Position
	entry Entry
	done  bool
	err   error
}

// StreamTransactions starts a stream positioned just past from.
func (c *Cache) StreamTransactions(from, to wal.Position) *Stream {
	return &Stream{cache: c, cur: from, to: to}
}

// Next advances to the following entry. It returns false at the end of
// the stream; check Err afterwards to distinguish a clean end from a
// window miss.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}

	entry, err := s.cache.NextSegment(s.cur)
	if err != nil {
		s.done = true
		if !errors.Is(err, ErrLatest) {
			s.err = err
		}
		return false
	}
	if entry.Pos.Compare(s.to) > 0 {
		s.done = true
		return false
	}

	s.entry = entry
	s.cur = entry.Pos
	return true
}

// Entry returns the entry produced by the last successful Next.
func (s *Stream) Entry() Entry {
	return s.entry
}

// Err returns ErrTooOld when the stream's cursor fell out of the
// window, nil on a clean termination.
func (s *Stream) Err() error {
	return s.err
}
