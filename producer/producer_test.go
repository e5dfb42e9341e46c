package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walpipe/walpipe/encoding"
	"github.com/walpipe/walpipe/pgrepl"
	"github.com/walpipe/walpipe/shape"
	"github.com/walpipe/walpipe/wal"
)

func newTestProducer(opts Options) *Producer {
	if opts.MessagePrefix == "" {
		opts.MessagePrefix = "fk_chain_touch"
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = 16
	}
	return New(shape.NewRelationRegistry(), opts)
}

func patientsRelation() *pgrepl.Relation {
	return &pgrepl.Relation{
		ID:        1,
		Namespace: "public",
		Name:      "patients",
		Columns: []pgrepl.RelationColumn{
			{Name: "id", TypeOID: 20},
			{Name: "name", TypeOID: 25},
			{Name: "bmi", TypeOID: 701},
		},
	}
}

func textTuple(values ...string) pgrepl.Tuple {
	t := pgrepl.Tuple{Values: make([]pgrepl.TupleValue, len(values))}
	for i, v := range values {
		t.Values[i] = pgrepl.TupleValue{Data: []byte(v)}
	}
	return t
}

func feed(t *testing.T, p *Producer, msgs ...pgrepl.Message) {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, p.Handle(msg))
	}
}

func TestFourInsertsOneCommit(t *testing.T) {
	p := newTestProducer(Options{})

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		patientsRelation(),
	)
	for i, name := range []string{"ada", "bao", "cem", "dee"} {
		feed(t, p, &pgrepl.Insert{
			RelationID: 1,
			New:        textTuple(string(rune('1'+i)), name, "20.5"),
		})
	}
	feed(t, p, &pgrepl.Commit{CommitLSN: 100, EndLSN: 140, CommitTime: time.Unix(1700000000, 0)})

	p.Ask(1)
	txn := <-p.Out()
	require.Equal(t, 4, txn.ChangeCount())
	assert.Equal(t, wal.Position(100), txn.StartPos)
	assert.Equal(t, wal.Position(140), txn.EndPos)

	for i, name := range []string{"ada", "bao", "cem", "dee"} {
		insert, ok := txn.Changes[i].(*shape.Insert)
		require.True(t, ok, "change %d is %T", i, txn.Changes[i])
		assert.Equal(t, name, insert.Record["name"])
	}
}

func TestBeginWhileOpenIsFatal(t *testing.T) {
	p := newTestProducer(Options{})

	require.NoError(t, p.Handle(&pgrepl.Begin{FinalLSN: 100}))
	err := p.Handle(&pgrepl.Begin{FinalLSN: 200})

	var consistency *ConsistencyError
	require.ErrorAs(t, err, &consistency)
	assert.Contains(t, consistency.Reason, "Begin while a transaction is open")
}

func TestCommitPositionMismatchIsFatal(t *testing.T) {
	p := newTestProducer(Options{})

	require.NoError(t, p.Handle(&pgrepl.Begin{FinalLSN: 100}))
	err := p.Handle(&pgrepl.Commit{CommitLSN: 999, EndLSN: 1000})

	var consistency *ConsistencyError
	require.ErrorAs(t, err, &consistency)
}

func TestUnknownRelationIsFatal(t *testing.T) {
	p := newTestProducer(Options{})

	require.NoError(t, p.Handle(&pgrepl.Begin{FinalLSN: 100}))
	err := p.Handle(&pgrepl.Insert{RelationID: 42, New: textTuple("1", "x", "1")})

	var consistency *ConsistencyError
	require.ErrorAs(t, err, &consistency)
}

func TestChangeOutsideTransactionIsDropped(t *testing.T) {
	p := newTestProducer(Options{})

	feed(t, p,
		&pgrepl.Insert{RelationID: 1, New: textTuple("1")},
		&pgrepl.Begin{FinalLSN: 100},
		patientsRelation(),
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	p.Ask(1)
	txn := <-p.Out()
	assert.Zero(t, txn.ChangeCount())
}

func TestUpdateChangedColumns(t *testing.T) {
	p := newTestProducer(Options{})

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		patientsRelation(),
		&pgrepl.Update{
			RelationID: 1,
			HasOld:     true,
			Old:        textTuple("1", "ada", "20.5"),
			New:        textTuple("1", "ada", "21.0"),
		},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	p.Ask(1)
	txn := <-p.Out()
	require.Equal(t, 1, txn.ChangeCount())

	update, ok := txn.Changes[0].(*shape.Update)
	require.True(t, ok)
	assert.Equal(t, []string{"bmi"}, update.ChangedColumns)
	assert.Equal(t, 20.5, update.OldRecord["bmi"])
	assert.Equal(t, 21.0, update.Record["bmi"])
}

func TestUpdateKeyOnlyOldMarksAllPresentColumns(t *testing.T) {
	p := newTestProducer(Options{})

	old := pgrepl.Tuple{Values: []pgrepl.TupleValue{
		{Data: []byte("1")},
		{Null: true},
		{Null: true},
	}}

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		patientsRelation(),
		&pgrepl.Update{
			RelationID: 1,
			HasOld:     true,
			OldIsKey:   true,
			Old:        old,
			New:        textTuple("1", "ada", "21.0"),
		},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	p.Ask(1)
	txn := <-p.Out()
	update := txn.Changes[0].(*shape.Update)
	assert.Equal(t, []string{"id", "name", "bmi"}, update.ChangedColumns)
}

func TestUnchangedToastColumnAbsent(t *testing.T) {
	p := newTestProducer(Options{})

	tuple := pgrepl.Tuple{Values: []pgrepl.TupleValue{
		{Data: []byte("1")},
		{Unchanged: true},
		{Null: true},
	}}

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		patientsRelation(),
		&pgrepl.Update{RelationID: 1, New: tuple},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	p.Ask(1)
	txn := <-p.Out()
	update := txn.Changes[0].(*shape.Update)

	_, present := update.Record["name"]
	assert.False(t, present, "unchanged column must be absent")
	value, present := update.Record["bmi"]
	assert.True(t, present)
	assert.Nil(t, value)
}

func TestReferencedRowsAttached(t *testing.T) {
	p := newTestProducer(Options{})

	payload, err := encoding.Marshal(map[string]map[string]any{
		"public.doctors": {"id": "d_9", "clinic_id": "c_1"},
	})
	require.NoError(t, err)

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		patientsRelation(),
		&pgrepl.LogicalMessage{
			Transactional: true,
			Prefix:        "fk_chain_touch",
			Content:       payload,
		},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	p.Ask(1)
	txn := <-p.Out()
	require.Contains(t, txn.Referenced, "public.doctors")
	assert.Equal(t, "d_9", txn.Referenced["public.doctors"]["id"])
}

func TestForeignPrefixMessageIgnored(t *testing.T) {
	p := newTestProducer(Options{})

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		&pgrepl.LogicalMessage{Transactional: true, Prefix: "other", Content: []byte("junk")},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	p.Ask(1)
	txn := <-p.Out()
	assert.Nil(t, txn.Referenced)
}

func TestDemandBeforeCommit(t *testing.T) {
	p := newTestProducer(Options{})
	p.Ask(1)

	select {
	case <-p.Out():
		t.Fatal("nothing committed yet")
	default:
	}

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	select {
	case txn := <-p.Out():
		assert.Equal(t, wal.Position(120), txn.EndPos)
	case <-time.After(time.Second):
		t.Fatal("pending demand not satisfied at commit")
	}
}

func TestQueuedWithoutDemand(t *testing.T) {
	p := newTestProducer(Options{})

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	select {
	case <-p.Out():
		t.Fatal("emitted without demand")
	default:
	}

	p.Ask(1)
	txn := <-p.Out()
	assert.Equal(t, wal.Position(120), txn.EndPos)
}

func TestAckBoundToEndPosition(t *testing.T) {
	var acked []wal.Position
	p := newTestProducer(Options{Ack: func(pos wal.Position) { acked = append(acked, pos) }})

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 140},
	)

	p.Ask(1)
	txn := <-p.Out()
	txn.Acknowledge()
	assert.Equal(t, []wal.Position{140}, acked)
}

func TestEnrichRunsBeforeQueueing(t *testing.T) {
	p := newTestProducer(Options{Enrich: func(txn *shape.Transaction) {
		txn.Origin = "enriched"
	}})

	feed(t, p,
		&pgrepl.Begin{FinalLSN: 100},
		&pgrepl.Commit{CommitLSN: 100, EndLSN: 120},
	)

	p.Ask(1)
	assert.Equal(t, "enriched", (<-p.Out()).Origin)
}

type fakeSource struct {
	pos wal.Position
	ok  bool
}

func (f fakeSource) CurrentPosition() (wal.Position, bool) { return f.pos, f.ok }

type fakeAdvancer struct {
	retained []wal.Position
	err      error
}

func (f *fakeAdvancer) Advance(_ context.Context, retain wal.Position) error {
	f.retained = append(f.retained, retain)
	return f.err
}

func TestSlotMaintainerAdvancesBehindWindow(t *testing.T) {
	advancer := &fakeAdvancer{}
	m := NewSlotMaintainer(fakeSource{pos: 1000, ok: true}, advancer, nil, 300, time.Second)

	require.NoError(t, m.advanceOnce(context.Background()))
	assert.Equal(t, []wal.Position{700}, advancer.retained)
}

func TestSlotMaintainerClampsAtZero(t *testing.T) {
	advancer := &fakeAdvancer{}
	m := NewSlotMaintainer(fakeSource{pos: 100, ok: true}, advancer, nil, 300, time.Second)

	require.NoError(t, m.advanceOnce(context.Background()))
	assert.Equal(t, []wal.Position{0}, advancer.retained)
}

func TestSlotMaintainerSkipsEmptySource(t *testing.T) {
	advancer := &fakeAdvancer{}
	m := NewSlotMaintainer(fakeSource{}, advancer, nil, 300, time.Second)

	require.NoError(t, m.advanceOnce(context.Background()))
	assert.Empty(t, advancer.retained)
}

func TestSlotMaintainerAdvanceFailureIsFatal(t *testing.T) {
	advancer := &fakeAdvancer{err: errors.New("connection reset")}
	m := NewSlotMaintainer(fakeSource{pos: 1000, ok: true}, advancer, nil, 300, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slot maintenance")
}

func TestStreamFlushClampedToRetentionCeiling(t *testing.T) {
	s := &Stream{}

	// Acks ahead of the ceiling must not let the source reclaim log
	// still inside the resumable window.
	s.Ack(10000)
	assert.Zero(t, s.flushPosition())

	require.NoError(t, s.Advance(context.Background(), 2000))
	assert.Equal(t, uint64(2000), s.flushPosition())

	// A lagging delivery head holds the reported flush back.
	require.NoError(t, s.Advance(context.Background(), 20000))
	assert.Equal(t, uint64(10000), s.flushPosition())
}

func TestStreamPositionsOnlyMoveForward(t *testing.T) {
	s := &Stream{}
	s.Ack(500)
	s.Ack(300)
	require.NoError(t, s.Advance(context.Background(), 400))
	require.NoError(t, s.Advance(context.Background(), 100))

	assert.Equal(t, uint64(400), s.flushPosition())
}
