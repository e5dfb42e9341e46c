// Package window holds an in-memory, size-bounded cache of recently
// produced transactions, addressable by log position. Catching-up
// clients replay from it; clients at the head wait on notifications.
package window

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/shape"
	"github.com/walpipe/walpipe/telemetry"
	"github.com/walpipe/walpipe/wal"
)

// ErrTooOld signals that the requested position precedes the oldest
// retained entry. Recoverable: the caller must fall back to direct
// replay from the authoritative source.
var ErrTooOld = errors.New("window: position older than retained entries")

// ErrLatest signals that no entry newer than the requested position
// exists yet. The caller should register for notification.
var ErrLatest = errors.New("window: caller is at the latest position")

// Entry is a cached transaction keyed by its end log position.
type Entry struct {
	Pos wal.Position
	Txn *shape.Transaction
}

// sizeOf approximates the retained memory of a transaction. Counted
// against the byte ceiling; exactness is not required, monotonicity is.
func sizeOf(txn *shape.Transaction) int64 {
	var total int64 = 128
	for _, change := range txn.Changes {
		total += 64
		switch c := change.(type) {
		case *shape.Insert:
			total += recordSize(c.Record)
		case *shape.Update:
			total += recordSize(c.Record) + recordSize(c.OldRecord)
		case *shape.Delete:
			total += recordSize(c.OldRecord)
		}
	}
	for _, rec := range txn.Referenced {
		total += recordSize(rec)
	}
	return total
}

func recordSize(rec shape.Record) int64 {
	var total int64
	for name, value := range rec {
		total += int64(len(name)) + 16
		switch v := value.(type) {
		case string:
			total += int64(len(v))
		case []byte:
			total += int64(len(v))
		}
	}
	return total
}

// Cache is the bounded replay window. Entries are insertion-ordered by
// strictly increasing position; the oldest are evicted once the entry
// or byte ceiling is exceeded. Safe for concurrent readers with a
// single writer calling Insert.
type Cache struct {
	mu sync.RWMutex

	entries []Entry
	bytes   int64

	maxEntries int
	maxBytes   int64

	notifyMu  sync.Mutex
	waiters   map[uint64]*waiter
	nextToken uint64
}

// waiter is a one-shot registration for data newer than pos.
type waiter struct {
	pos   wal.Position
	ch    chan wal.Position
	fired bool
}

// NewCache creates a window bounded by entry count and byte size.
func NewCache(maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		waiters:    make(map[uint64]*waiter),
	}
}

// Insert appends a transaction at its end position, evicts past the
// ceilings and wakes every waiter registered below the new position.
// Positions must arrive strictly increasing; a regression is logged and
// dropped rather than corrupting the order invariant.
func (c *Cache) Insert(txn *shape.Transaction) {
	pos := txn.EndPos

	c.mu.Lock()
	if n := len(c.entries); n > 0 && c.entries[n-1].Pos.Compare(pos) >= 0 {
		c.mu.Unlock()
		log.Warn().
			Stringer("pos", pos).
			Stringer("newest", c.newestLocked()).
			Msg("Dropping out-of-order window insert")
		return
	}

	c.entries = append(c.entries, Entry{Pos: pos, Txn: txn})
	c.bytes += sizeOf(txn)
	c.evictLocked()
	telemetry.WindowEntries.Set(float64(len(c.entries)))
	telemetry.WindowBytes.Set(float64(c.bytes))
	c.mu.Unlock()

	c.fireWaiters(pos)
}

func (c *Cache) newestLocked() wal.Position {
	if len(c.entries) == 0 {
		return 0
	}
	return c.entries[len(c.entries)-1].Pos
}

// evictLocked drops oldest entries until both ceilings hold. At least
// one entry is always retained so CurrentPosition stays meaningful.
func (c *Cache) evictLocked() {
	evicted := 0
	for len(c.entries) > 1 && (len(c.entries) > c.maxEntries || c.bytes > c.maxBytes) {
		c.bytes -= sizeOf(c.entries[0].Txn)
		c.entries[0] = Entry{}
		c.entries = c.entries[1:]
		evicted++
	}
	if evicted > 0 {
		telemetry.WindowEvictionsTotal.Add(float64(evicted))
	}
}

// InWindow reports whether pos falls inside the retained range.
func (c *Cache) InWindow(pos wal.Position) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 {
		return false
	}
	return pos.Compare(c.entries[0].Pos) >= 0 && pos.Compare(c.newestLocked()) <= 0
}

// CurrentPosition returns the newest cached position.
func (c *Cache) CurrentPosition() (wal.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 {
		return 0, false
	}
	return c.newestLocked(), true
}

// OldestPosition returns the oldest retained position.
func (c *Cache) OldestPosition() (wal.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 {
		return 0, false
	}
	return c.entries[0].Pos, true
}

// NextSegment returns the first entry strictly past pos. ErrLatest
// means no newer entry exists yet; ErrTooOld means pos precedes the
// window and the caller must replay from the source.
func (c *Cache) NextSegment(pos wal.Position) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 {
		return Entry{}, ErrLatest
	}

	// A cursor behind the oldest retained position may have missed
	// evicted segments. The oldest position itself is still a valid
	// cursor: its successor is the next entry.
	if pos.Compare(c.entries[0].Pos) < 0 {
		telemetry.WindowMissesTotal.Inc()
		return Entry{}, fmt.Errorf("%w: requested %s, oldest %s", ErrTooOld, pos, c.entries[0].Pos)
	}

	idx := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Pos.Compare(pos) > 0
	})
	if idx == len(c.entries) {
		return Entry{}, ErrLatest
	}
	return c.entries[idx], nil
}

// RequestNotification registers a one-shot wake-up fired when any entry
// newer than pos is inserted. Every pending registration past the
// inserted position fires on the same insert.
func (c *Cache) RequestNotification(pos wal.Position) *Notification {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.nextToken++
	w := &waiter{pos: pos, ch: make(chan wal.Position, 1)}

	// Data may have arrived between the caller's NextSegment and this
	// registration; fire immediately rather than strand the waiter.
	if newest, ok := c.CurrentPosition(); ok && newest.Compare(pos) > 0 {
		w.fired = true
		w.ch <- newest
		close(w.ch)
		return &Notification{C: w.ch}
	}

	c.waiters[c.nextToken] = w
	return &Notification{C: w.ch, cache: c, token: c.nextToken}
}

func (c *Cache) fireWaiters(pos wal.Position) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	fired := 0
	for token, w := range c.waiters {
		if pos.Compare(w.pos) > 0 {
			w.fired = true
			w.ch <- pos
			close(w.ch)
			delete(c.waiters, token)
			fired++
		}
	}
	if fired > 0 {
		telemetry.WindowNotificationsTotal.Add(float64(fired))
	}
}

// Notification is a pending one-shot wake-up. C receives the position
// that satisfied the wait, then closes.
type Notification struct {
	C <-chan wal.Position

	cache *Cache
	token uint64
}

// Cancel withdraws the registration. Safe to call after the
// notification has fired; cancelling twice is a no-op.
func (n *Notification) Cancel() {
	if n.cache == nil {
		return
	}
	n.cache.notifyMu.Lock()
	defer n.cache.notifyMu.Unlock()

	if w, ok := n.cache.waiters[n.token]; ok && !w.fired {
		close(w.ch)
		delete(n.cache.waiters, n.token)
	}
}

// Len returns the number of retained entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Bytes returns the approximate retained size.
func (c *Cache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}
