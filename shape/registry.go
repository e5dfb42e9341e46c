package shape

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// RelationRegistry maps wire relation ids to their latest advertised
// schema. Ids are session-scoped: the registry is rebuilt from Relation
// messages after every reconnect and an id may be re-advertised with a
// different schema mid-session after DDL on the source.
type RelationRegistry struct {
	relations *xsync.MapOf[uint32, *Relation]
}

// NewRelationRegistry creates an empty registry.
func NewRelationRegistry() *RelationRegistry {
	return &RelationRegistry{
		relations: xsync.NewMapOf[uint32, *Relation](),
	}
}

// Upsert installs or replaces the schema for a relation id. It returns
// true when the id was already known with a different schema
// fingerprint, which signals a mid-session schema change.
func (r *RelationRegistry) Upsert(rel *Relation) bool {
	prev, existed := r.relations.Load(rel.ID)
	r.relations.Store(rel.ID, rel)
	return existed && Fingerprint(prev) != Fingerprint(rel)
}

// Resolve returns the latest schema for a relation id.
func (r *RelationRegistry) Resolve(id uint32) (*Relation, error) {
	rel, ok := r.relations.Load(id)
	if !ok {
		return nil, fmt.Errorf("unknown relation id %d (Relation message missed)", id)
	}
	return rel, nil
}

// Len returns the number of registered relations.
func (r *RelationRegistry) Len() int {
	return r.relations.Size()
}

// Fingerprint hashes a relation's qualified name and column layout.
// Equal fingerprints mean the wire schema is unchanged.
func Fingerprint(rel *Relation) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(rel.Namespace)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(rel.Name)
	for _, col := range rel.Columns {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(col.Name)
		nullable := byte(0)
		if col.Nullable {
			nullable = 1
		}
		_, _ = h.Write([]byte{byte(col.Type), nullable})
	}
	return h.Sum64()
}
