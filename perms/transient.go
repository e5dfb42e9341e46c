package perms

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/walpipe/walpipe/telemetry"
	"github.com/walpipe/walpipe/wal"
)

// TransientPermission is an ephemeral, revocable grant or deny tied to
// a role assignment and a single target row, honored only up to and
// including ValidTo.
type TransientPermission struct {
	AssignmentID string
	Relation     string
	RowID        string
	ScopeID      string
	// Allow distinguishes a transient grant from a transient deny.
	Allow bool
	// ValidTo is the last log position the entry is honored at; the
	// boundary is inclusive.
	ValidTo wal.Position
}

func (t *TransientPermission) key() string {
	return t.AssignmentID + "\x00" + t.Relation + "\x00" + t.RowID
}

// TransientStore holds transient permissions. Point lookups are
// lock-free; iteration preserves insertion order of live entries. One
// writer mutates, many client-serving readers query.
type TransientStore struct {
	writeMu sync.Mutex
	byKey   *xsync.MapOf[string, *TransientPermission]

	orderMu sync.RWMutex
	order   []*TransientPermission
}

// NewTransientStore creates an empty store.
func NewTransientStore() *TransientStore {
	return &TransientStore{
		byKey: xsync.NewMapOf[string, *TransientPermission](),
	}
}

// Update replaces or merges entries keyed by (assignment id, relation,
// row id). A replaced entry keeps its original insertion slot; new keys
// append.
func (s *TransientStore) Update(entries []TransientPermission) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for i := range entries {
		entry := entries[i]
		key := entry.key()

		if existing, ok := s.byKey.Load(key); ok {
			s.orderMu.Lock()
			*existing = entry
			s.orderMu.Unlock()
			continue
		}

		stored := &entry
		s.byKey.Store(key, stored)
		s.orderMu.Lock()
		s.order = append(s.order, stored)
		s.orderMu.Unlock()
	}

	telemetry.TransientPermissionsActive.Set(float64(s.byKey.Size()))
}

// ForRoles returns every live entry whose assignment id matches one of
// the roles and whose ValidTo is at or after pos; the boundary is
// inclusive at ValidTo. Result order is insertion order of matching
// entries, not role order.
func (s *TransientStore) ForRoles(roles []Role, pos wal.Position) []TransientPermission {
	ids := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		ids[role.AssignmentID] = struct{}{}
	}

	s.orderMu.RLock()
	defer s.orderMu.RUnlock()

	var out []TransientPermission
	for _, entry := range s.order {
		if _, ok := ids[entry.AssignmentID]; !ok {
			continue
		}
		if entry.ValidTo.Compare(pos) < 0 {
			continue
		}
		out = append(out, *entry)
	}
	return out
}

// Lookup returns the live entry for one target row, if any.
func (s *TransientStore) Lookup(assignmentID, relation, rowID string, pos wal.Position) (TransientPermission, bool) {
	entry, ok := s.byKey.Load(assignmentID + "\x00" + relation + "\x00" + rowID)
	if !ok {
		return TransientPermission{}, false
	}

	s.orderMu.RLock()
	defer s.orderMu.RUnlock()
	if entry.ValidTo.Compare(pos) < 0 {
		return TransientPermission{}, false
	}
	return *entry, true
}

// Prune drops entries whose ValidTo fell behind the replication
// cursor. Called as the producer's position advances.
func (s *TransientStore) Prune(cursor wal.Position) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.orderMu.Lock()
	kept := s.order[:0]
	pruned := 0
	for _, entry := range s.order {
		if entry.ValidTo.Compare(cursor) < 0 {
			s.byKey.Delete(entry.key())
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	s.order = kept
	s.orderMu.Unlock()

	if pruned > 0 {
		telemetry.TransientPermissionsActive.Set(float64(s.byKey.Size()))
	}
	return pruned
}

// Len returns the number of live entries.
func (s *TransientStore) Len() int {
	return s.byKey.Size()
}
