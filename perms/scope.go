package perms

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/walpipe/walpipe/shape"
)

// FKStep is one hop of a foreign-key path: Column on Child references
// the primary key of Parent.
type FKStep struct {
	Child  string
	Column string
	Parent string
}

// SchemaGraph is the foreign-key graph over tracked tables. Nodes are
// tables, edges are FK columns pointing at a parent table. Built once
// from the schema snapshot and read-only afterwards.
type SchemaGraph struct {
	pk    map[string]string
	edges map[string][]FKStep
}

// NewSchemaGraph creates an empty graph.
func NewSchemaGraph() *SchemaGraph {
	return &SchemaGraph{
		pk:    make(map[string]string),
		edges: make(map[string][]FKStep),
	}
}

// AddTable registers a table and its primary-key column.
func (g *SchemaGraph) AddTable(table, pkColumn string) {
	g.pk[table] = pkColumn
}

// AddForeignKey registers child.column -> parent.
func (g *SchemaGraph) AddForeignKey(child, column, parent string) {
	g.edges[child] = append(g.edges[child], FKStep{Child: child, Column: column, Parent: parent})
}

// PrimaryKey returns the pk column for a table.
func (g *SchemaGraph) PrimaryKey(table string) (string, error) {
	pk, ok := g.pk[table]
	if !ok {
		return "", fmt.Errorf("perms: table %q not in schema graph", table)
	}
	return pk, nil
}

// Path returns the shortest foreign-key path from table up to root,
// as a hop sequence starting at table. An empty path means table is
// the root itself. BFS over the FK edges; ties resolve to the edge
// declared first.
func (g *SchemaGraph) Path(table, root string) ([]FKStep, error) {
	if _, ok := g.pk[table]; !ok {
		return nil, fmt.Errorf("perms: table %q not in schema graph", table)
	}
	if table == root {
		return nil, nil
	}

	type queued struct {
		table string
		path  []FKStep
	}
	visited := map[string]bool{table: true}
	queue := []queued{{table: table}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, step := range g.edges[cur.table] {
			if visited[step.Parent] {
				continue
			}
			path := append(append([]FKStep(nil), cur.path...), step)
			if step.Parent == root {
				return path, nil
			}
			visited[step.Parent] = true
			queue = append(queue, queued{table: step.Parent, path: path})
		}
	}

	return nil, fmt.Errorf("perms: no foreign-key path from %q to %q", table, root)
}

// RowLoader reads current row data needed to climb the ancestry tree.
// Implemented over the source database's maintenance connection.
type RowLoader interface {
	// ForeignKeyValue returns the value of column for the row of table
	// identified by rowID, rendered as text. Returns an error when the
	// row does not exist.
	ForeignKeyValue(table, rowID, column string) (string, error)
}

// scopeCacheSize bounds the (table,row)→scope memoization.
const scopeCacheSize = 8192

// ScopeResolver maps a change to the root entity id it logically
// belongs to, walking the FK data tree through a RowLoader with an LRU
// memo for resolved ancestors.
type ScopeResolver struct {
	graph *SchemaGraph
	rows  RowLoader
	cache *lru.Cache[string, string]
}

// NewScopeResolver creates a resolver over a schema graph and row loader.
func NewScopeResolver(graph *SchemaGraph, rows RowLoader) (*ScopeResolver, error) {
	cache, err := lru.New[string, string](scopeCacheSize)
	if err != nil {
		return nil, err
	}
	return &ScopeResolver{graph: graph, rows: rows, cache: cache}, nil
}

// ScopeID resolves the root-entity id a change belongs to under the
// given root table. Inserts read the parent linkage from the new row's
// FK column (failing when absent); updates and deletes resolve via the
// current row identity.
func (r *ScopeResolver) ScopeID(change shape.Change, root string) (string, error) {
	table := change.Rel().Name

	path, err := r.graph.Path(table, root)
	if err != nil {
		return "", err
	}

	// The change's own table is the scope root: its id is the scope id.
	if len(path) == 0 {
		record, err := identityRecord(change)
		if err != nil {
			return "", err
		}
		pk, err := r.graph.PrimaryKey(table)
		if err != nil {
			return "", err
		}
		id, ok := textValue(record[pk])
		if !ok {
			return "", fmt.Errorf("perms: change on %q carries no primary key %q", table, pk)
		}
		return id, nil
	}

	var parentID string
	switch c := change.(type) {
	case *shape.Insert:
		// Parent linkage comes from the new row itself.
		id, ok := textValue(c.Record[path[0].Column])
		if !ok {
			return "", fmt.Errorf("perms: insert into %q misses foreign key %q", table, path[0].Column)
		}
		parentID = id
	default:
		record, err := identityRecord(change)
		if err != nil {
			return "", err
		}
		pk, err := r.graph.PrimaryKey(table)
		if err != nil {
			return "", err
		}
		rowID, ok := textValue(record[pk])
		if !ok {
			return "", fmt.Errorf("perms: change on %q carries no primary key %q", table, pk)
		}
		parentID, err = r.lookup(table, rowID, path[0].Column)
		if err != nil {
			return "", err
		}
	}

	// Climb the remaining hops through current row data.
	for _, step := range path[1:] {
		parentID, err = r.lookup(step.Child, parentID, step.Column)
		if err != nil {
			return "", err
		}
	}

	return parentID, nil
}

func (r *ScopeResolver) lookup(table, rowID, column string) (string, error) {
	key := table + "\x00" + rowID + "\x00" + column
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	value, err := r.rows.ForeignKeyValue(table, rowID, column)
	if err != nil {
		return "", fmt.Errorf("perms: resolving %s(%s).%s: %w", table, rowID, column, err)
	}
	r.cache.Add(key, value)
	return value, nil
}

// Invalidate drops memoized ancestry for a row after its FK changed.
func (r *ScopeResolver) Invalidate(table, rowID string) {
	for _, key := range r.cache.Keys() {
		if len(key) > len(table) && key[:len(table)] == table && key[len(table)] == 0 {
			rest := key[len(table)+1:]
			if len(rest) > len(rowID) && rest[:len(rowID)] == rowID && rest[len(rowID)] == 0 {
				r.cache.Remove(key)
			}
		}
	}
}

// ModifiesFK reports whether an update touches the foreign-key column
// on the path from its table to the scope root. Such a write moves the
// row between scopes and must be evaluated against both old and new
// scope.
func (r *ScopeResolver) ModifiesFK(upd *shape.Update, root string) (bool, error) {
	path, err := r.graph.Path(upd.Relation.Name, root)
	if err != nil {
		return false, err
	}
	if len(path) == 0 {
		return false, nil
	}
	return upd.Modifies(path[0].Column), nil
}

// identityRecord picks the record identifying the affected row.
func identityRecord(change shape.Change) (shape.Record, error) {
	switch c := change.(type) {
	case *shape.Insert:
		return c.Record, nil
	case *shape.Update:
		if len(c.OldRecord) > 0 {
			return c.OldRecord, nil
		}
		return c.Record, nil
	case *shape.Delete:
		return c.OldRecord, nil
	case *shape.Truncate:
		return nil, fmt.Errorf("perms: truncate of %q has no row identity", c.Relation.Name)
	}
	return nil, fmt.Errorf("perms: unhandled change variant %T", change)
}

func textValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case int64:
		return fmt.Sprintf("%d", val), true
	case []byte:
		return string(val), true
	case nil:
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}
