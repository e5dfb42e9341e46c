package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walpipe/walpipe/perms"
	"github.com/walpipe/walpipe/shape"
	"github.com/walpipe/walpipe/wal"
	"github.com/walpipe/walpipe/window"
)

type fakeSource struct {
	out chan *shape.Transaction
}

func (f *fakeSource) Ask(n int) {}

func (f *fakeSource) Out() <-chan *shape.Transaction {
	return f.out
}

func TestPumpRetiresTransientsBehindCursor(t *testing.T) {
	src := &fakeSource{out: make(chan *shape.Transaction, 2)}
	cache := window.NewCache(16, 1<<20)
	transients := perms.NewTransientStore()
	transients.Update([]perms.TransientPermission{
		{AssignmentID: "assign-01", Relation: "issues", RowID: "i-1", Allow: true, ValidTo: 40},
		{AssignmentID: "assign-01", Relation: "issues", RowID: "i-2", Allow: true, ValidTo: 200},
	})

	src.out <- &shape.Transaction{StartPos: 50, EndPos: 60}
	src.out <- &shape.Transaction{StartPos: 100, EndPos: 110}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pumpTransactions(ctx, src, cache, transients)
	}()

	require.Eventually(t, func() bool { return cache.Len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// The entry expiring at 40 fell behind the cursor; the live one
	// survives both pump iterations.
	assert.Equal(t, 1, transients.Len())
	roles := []perms.Role{{Name: "member", AssignmentID: "assign-01"}}
	live := transients.ForRoles(roles, 110)
	require.Len(t, live, 1)
	assert.Equal(t, "i-2", live[0].RowID)

	current, ok := cache.CurrentPosition()
	require.True(t, ok)
	assert.Equal(t, wal.Position(110), current)
}
