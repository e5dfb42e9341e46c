package perms

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/shape"
	"github.com/walpipe/walpipe/telemetry"
	"github.com/walpipe/walpipe/wal"
)

// Denial reports why a change was not authorized. It is a normal
// outcome, not an error: the caller decides whether to reject the whole
// transaction or drop the offending row change.
type Denial struct {
	Table     string
	Privilege Privilege
	// Column is the first disallowed column, when column checks failed.
	Column string
	// Scope and ScopeID identify the scope the subject lacked, when
	// scope checks failed.
	Scope   string
	ScopeID string
	Reason  string
}

func (d *Denial) String() string {
	return fmt.Sprintf("denied %s on %s: %s", d.Privilege, d.Table, d.Reason)
}

// Evaluator decides whether a set of roles may apply a change. Grants
// are the compiled static ruleset; the transient store carries
// position-bounded overrides keyed by role assignment.
type Evaluator struct {
	Grants     []Grant
	Resolver   *ScopeResolver
	Transients *TransientStore
}

// PrivilegeFor maps a change variant to the privilege it requires.
func PrivilegeFor(change shape.Change) Privilege {
	switch change.(type) {
	case *shape.Insert:
		return PrivInsert
	case *shape.Update:
		return PrivUpdate
	default:
		return PrivDelete
	}
}

// touchedColumns lists the columns a change writes.
func touchedColumns(change shape.Change) []string {
	switch c := change.(type) {
	case *shape.Insert:
		cols := make([]string, 0, len(c.Record))
		for name := range c.Record {
			cols = append(cols, name)
		}
		return cols
	case *shape.Update:
		return c.ChangedColumns
	}
	return nil
}

// Authorize returns nil when some role may apply the change at pos, or
// a structured denial naming what failed. A scope-changing update must
// be authorized against both the old and the new scope.
func (e *Evaluator) Authorize(change shape.Change, roles []Role, pos wal.Position) *Denial {
	table := change.Rel().Name
	priv := PrivilegeFor(change)
	columns := touchedColumns(change)

	denial := e.authorize(change, table, priv, columns, roles, pos)
	if denial != nil {
		telemetry.PermissionDenialsTotal.With(string(denial.Privilege)).Inc()
		log.Debug().
			Str("table", denial.Table).
			Str("privilege", string(denial.Privilege)).
			Str("reason", denial.Reason).
			Msg("Change denied")
	}
	return denial
}

func (e *Evaluator) authorize(change shape.Change, table string, priv Privilege, columns []string, roles []Role, pos wal.Position) *Denial {
	// A transient deny on the target row wins over any static grant; a
	// transient allow substitutes for a missing or unsatisfied one.
	if verdict := e.transientVerdict(change, table, priv, roles, pos); verdict != nil {
		return verdict.denial
	}

	candidates := ForPrivilege(ForTable(e.Grants, table), priv)
	if len(candidates) == 0 {
		return &Denial{Table: table, Privilege: priv, Reason: "no grant covers the table and privilege"}
	}

	worst := &Denial{Table: table, Privilege: priv, Reason: "no role satisfies any grant"}

	for i := range candidates {
		grant := &candidates[i]

		if !grant.ColumnsValid(columns) {
			worst = &Denial{
				Table:     table,
				Privilege: priv,
				Column:    firstDisallowed(grant, columns),
				Reason:    "column not covered by grant",
			}
			continue
		}

		if grant.Scope == "" {
			if grant.Role == RoleAnyone {
				return nil
			}
			if grant.Role == RoleAuthenticated && len(roles) > 0 {
				return nil
			}
			for j := range roles {
				role := &roles[j]
				if role.ActiveAt(pos) && grant.MatchesRole(role.Name) {
					return nil
				}
			}
			continue
		}

		scopeIDs, err := e.scopeIDs(change, grant.Scope)
		if err != nil {
			worst = &Denial{Table: table, Privilege: priv, Scope: grant.Scope, Reason: err.Error()}
			continue
		}

		// Every affected scope needs some active role assigned in it; a
		// scope-moving update has two.
		uncovered := ""
		for _, scopeID := range scopeIDs {
			if !anyRoleCovers(roles, grant, scopeID, pos) {
				uncovered = scopeID
				break
			}
		}
		if uncovered == "" {
			return nil
		}
		worst = &Denial{
			Table:     table,
			Privilege: priv,
			Scope:     grant.Scope,
			ScopeID:   uncovered,
			Reason:    "role not assigned in the change's scope",
		}
	}

	return worst
}

func anyRoleCovers(roles []Role, grant *Grant, scopeID string, pos wal.Position) bool {
	for i := range roles {
		role := &roles[i]
		if role.ActiveAt(pos) && grant.MatchesRole(role.Name) &&
			role.ScopeTable == grant.Scope && role.ScopeID == scopeID {
			return true
		}
	}
	return false
}

// scopeIDs resolves every scope a change touches: one for most changes,
// both old and new for updates that move a row across scopes.
func (e *Evaluator) scopeIDs(change shape.Change, root string) ([]string, error) {
	if e.Resolver == nil {
		return nil, fmt.Errorf("scoped grant but no scope resolver configured")
	}

	current, err := e.Resolver.ScopeID(change, root)
	if err != nil {
		return nil, err
	}

	upd, ok := change.(*shape.Update)
	if !ok {
		return []string{current}, nil
	}
	moved, err := e.Resolver.ModifiesFK(upd, root)
	if err != nil || !moved {
		return []string{current}, err
	}

	// The new parent linkage comes from the updated row itself.
	path, err := e.Resolver.graph.Path(upd.Relation.Name, root)
	if err != nil {
		return nil, err
	}
	newParent, okVal := textValue(upd.Record[path[0].Column])
	if !okVal {
		return nil, fmt.Errorf("update on %q clears foreign key %q", upd.Relation.Name, path[0].Column)
	}
	target := newParent
	for _, step := range path[1:] {
		target, err = e.Resolver.lookup(step.Child, target, step.Column)
		if err != nil {
			return nil, err
		}
	}

	if target == current {
		return []string{current}, nil
	}
	return []string{current, target}, nil
}

func firstDisallowed(grant *Grant, columns []string) string {
	for _, col := range columns {
		if !grant.allowsColumn(col) {
			return col
		}
	}
	return ""
}

// verdict carries a transient override outcome: nil denial allows,
// non-nil denies.
type verdict struct {
	denial *Denial
}

// transientVerdict resolves transient overrides for the change's
// target row; nil means no transient entry applies.
func (e *Evaluator) transientVerdict(change shape.Change, table string, priv Privilege, roles []Role, pos wal.Position) *verdict {
	if e.Transients == nil {
		return nil
	}
	rowID, ok := changeRowID(change, e.Resolver)
	if !ok {
		return nil
	}

	for i := range roles {
		role := &roles[i]
		entry, found := e.Transients.Lookup(role.AssignmentID, table, rowID, pos)
		if !found {
			continue
		}
		if entry.Allow {
			return &verdict{}
		}
		return &verdict{denial: &Denial{
			Table:     table,
			Privilege: priv,
			ScopeID:   entry.ScopeID,
			Reason:    "transient deny on target row",
		}}
	}
	return nil
}

func changeRowID(change shape.Change, resolver *ScopeResolver) (string, bool) {
	record, err := identityRecord(change)
	if err != nil {
		return "", false
	}

	pkColumn := "id"
	if resolver != nil {
		if pk, err := resolver.graph.PrimaryKey(change.Rel().Name); err == nil {
			pkColumn = pk
		}
	}
	id, ok := textValue(record[pkColumn])
	return id, ok
}
