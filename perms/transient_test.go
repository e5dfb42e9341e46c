package perms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walpipe/walpipe/wal"
)

func transient(assignment, row string, validTo wal.Position) TransientPermission {
	return TransientPermission{
		AssignmentID: assignment,
		Relation:     "issues",
		RowID:        row,
		ScopeID:      "p-1",
		Allow:        true,
		ValidTo:      validTo,
	}
}

func TestTransientValidityBoundaryInclusive(t *testing.T) {
	store := NewTransientStore()
	store.Update([]TransientPermission{transient("assign-01", "i-1", 100)})

	roles := []Role{{Name: "member", AssignmentID: "assign-01"}}

	// Visible at the boundary position.
	assert.Len(t, store.ForRoles(roles, 100), 1)
	// Strictly past it, excluded.
	assert.Empty(t, store.ForRoles(roles, 101))
}

func TestTransientExpiredEntryExcluded(t *testing.T) {
	store := NewTransientStore()
	store.Update([]TransientPermission{
		transient("assign-01", "i-1", 100),
		transient("assign-01", "i-2", 99),
	})

	roles := []Role{{Name: "member", AssignmentID: "assign-01"}}

	live := store.ForRoles(roles, 100)
	require.Len(t, live, 1)
	assert.Equal(t, "i-1", live[0].RowID)
}

func TestForRolesInsertionOrderNotRoleOrder(t *testing.T) {
	store := NewTransientStore()
	store.Update([]TransientPermission{
		transient("assign-b", "i-1", 500),
		transient("assign-a", "i-2", 500),
		transient("assign-b", "i-3", 500),
	})

	// Role order a-then-b must not affect output order.
	roles := []Role{
		{Name: "x", AssignmentID: "assign-a"},
		{Name: "y", AssignmentID: "assign-b"},
	}

	got := store.ForRoles(roles, 10)
	require.Len(t, got, 3)
	assert.Equal(t, "i-1", got[0].RowID)
	assert.Equal(t, "i-2", got[1].RowID)
	assert.Equal(t, "i-3", got[2].RowID)
}

func TestUpdateReplacesByKey(t *testing.T) {
	store := NewTransientStore()
	store.Update([]TransientPermission{transient("assign-01", "i-1", 100)})

	replacement := transient("assign-01", "i-1", 200)
	replacement.Allow = false
	store.Update([]TransientPermission{replacement})

	assert.Equal(t, 1, store.Len())

	entry, ok := store.Lookup("assign-01", "issues", "i-1", 150)
	require.True(t, ok)
	assert.False(t, entry.Allow)
	assert.Equal(t, wal.Position(200), entry.ValidTo)
}

func TestLookupMissAndExpiry(t *testing.T) {
	store := NewTransientStore()
	store.Update([]TransientPermission{transient("assign-01", "i-1", 100)})

	_, ok := store.Lookup("assign-02", "issues", "i-1", 50)
	assert.False(t, ok)

	_, ok = store.Lookup("assign-01", "issues", "i-1", 101)
	assert.False(t, ok)

	_, ok = store.Lookup("assign-01", "issues", "i-1", 100)
	assert.True(t, ok)
}

func TestPruneDropsBehindCursor(t *testing.T) {
	store := NewTransientStore()
	store.Update([]TransientPermission{
		transient("assign-01", "i-1", 50),
		transient("assign-01", "i-2", 150),
	})

	pruned := store.Prune(100)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 1, store.Len())

	roles := []Role{{AssignmentID: "assign-01"}}
	live := store.ForRoles(roles, 100)
	require.Len(t, live, 1)
	assert.Equal(t, "i-2", live[0].RowID)

	// Entries exactly at the cursor survive.
	assert.Zero(t, store.Prune(150))
}
