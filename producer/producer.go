// Package producer turns the decoded replication stream into sealed
// transactions and delivers them downstream on explicit demand. The
// stream side pushes messages in, consumers pull transactions out with
// Ask, and the slot maintainer keeps the source's retained log bounded.
package producer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/codec"
	"github.com/walpipe/walpipe/encoding"
	"github.com/walpipe/walpipe/pgrepl"
	"github.com/walpipe/walpipe/shape"
	"github.com/walpipe/walpipe/telemetry"
	"github.com/walpipe/walpipe/wal"
)

// ConsistencyError reports a stream state the producer cannot recover
// from. The caller must halt and reconnect; resuming from the last
// acknowledged position is safe.
type ConsistencyError struct {
	Reason string
	Pos    wal.Position
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("stream consistency violated at %s: %s", e.Pos, e.Reason)
}

// Options tunes a Producer.
type Options struct {
	// Declared supplies externally-declared column types; nil falls
	// back to wire-advertised types.
	Declared codec.DeclaredSchema

	// MessagePrefix accepted on out-of-band control messages carrying
	// referenced-row payloads. Messages with other prefixes are
	// ignored.
	MessagePrefix string

	// QueueDepth bounds the outbound channel.
	QueueDepth int

	// Enrich, when set, runs over each sealed transaction before it is
	// queued. Used to attach shadow bookkeeping rows.
	Enrich func(*shape.Transaction)

	// Ack is invoked with a transaction's end position once downstream
	// delivery is durable, letting the source reclaim log segments.
	Ack func(wal.Position)
}

type openTxn struct {
	start      wal.Position
	origin     string
	changes    []shape.Change
	referenced map[string]shape.Record
}

// Producer consumes decoded stream messages and emits sealed
// transactions. Handle is driven by a single stream goroutine; demand
// and delivery expect a single consumer, concurrent Ask callers may
// interleave their drained batches on the outbound channel.
type Producer struct {
	registry *shape.RelationRegistry
	opts     Options

	mu     sync.Mutex
	open   *openTxn
	queue  []*shape.Transaction
	demand int
	out    chan *shape.Transaction
}

func New(registry *shape.RelationRegistry, opts Options) *Producer {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1
	}
	return &Producer{
		registry: registry,
		opts:     opts,
		out:      make(chan *shape.Transaction, opts.QueueDepth),
	}
}

// Out is the outbound transaction channel. Transactions appear only in
// response to Ask, in commit order.
func (p *Producer) Out() <-chan *shape.Transaction {
	return p.out
}

// Ask adds n units of downstream demand and drains queued transactions
// against it.
func (p *Producer) Ask(n int) {
	p.mu.Lock()
	p.demand += n
	ready := p.drainLocked()
	telemetry.PendingDemand.Set(float64(p.demand))
	p.mu.Unlock()

	p.deliver(ready)
}

// drainLocked pops queued transactions while demand remains.
func (p *Producer) drainLocked() []*shape.Transaction {
	var ready []*shape.Transaction
	for p.demand > 0 && len(p.queue) > 0 {
		ready = append(ready, p.queue[0])
		p.queue = p.queue[1:]
		p.demand--
	}
	return ready
}

func (p *Producer) deliver(ready []*shape.Transaction) {
	for _, txn := range ready {
		p.out <- txn
	}
}

// Handle applies one decoded stream message. A non-nil error is a
// consistency violation and the stream must be torn down; malformed or
// out-of-place messages are logged and dropped.
func (p *Producer) Handle(msg pgrepl.Message) error {
	switch m := msg.(type) {
	case *pgrepl.Begin:
		return p.handleBegin(m)
	case *pgrepl.Commit:
		return p.handleCommit(m)
	case *pgrepl.Origin:
		p.handleOrigin(m)
	case *pgrepl.Relation:
		p.handleRelation(m)
	case *pgrepl.Type:
		log.Debug().Uint32("oid", m.OID).Str("name", m.Name).Msg("Custom type advertised")
	case *pgrepl.Insert:
		return p.handleInsert(m)
	case *pgrepl.Update:
		return p.handleUpdate(m)
	case *pgrepl.Delete:
		return p.handleDelete(m)
	case *pgrepl.Truncate:
		return p.handleTruncate(m)
	case *pgrepl.LogicalMessage:
		p.handleLogicalMessage(m)
	default:
		p.protocolError("unhandled message type %T", msg)
	}
	return nil
}

func (p *Producer) handleBegin(m *pgrepl.Begin) error {
	if p.open != nil {
		return &ConsistencyError{Reason: "Begin while a transaction is open", Pos: m.FinalLSN}
	}
	p.open = &openTxn{start: m.FinalLSN}
	return nil
}

func (p *Producer) handleOrigin(m *pgrepl.Origin) {
	if p.open == nil {
		p.protocolError("Origin outside a transaction")
		return
	}
	p.open.origin = m.Name
}

func (p *Producer) handleRelation(m *pgrepl.Relation) {
	rel := &shape.Relation{
		ID:        m.ID,
		Namespace: m.Namespace,
		Name:      m.Name,
		Columns:   make([]shape.Column, len(m.Columns)),
	}
	for i, col := range m.Columns {
		rel.Columns[i] = shape.Column{Name: col.Name, Type: shape.TypeFromOID(col.TypeOID)}
	}

	if changed := p.registry.Upsert(rel); changed {
		log.Info().Str("relation", rel.QualifiedName()).Msg("Relation schema changed mid-session")
	}
}

func (p *Producer) handleInsert(m *pgrepl.Insert) error {
	rel, err := p.requireRelation(m.RelationID, "Insert")
	if err != nil || rel == nil {
		return err
	}

	record, err := p.tupleRecord(rel, m.New)
	if err != nil {
		p.protocolError("dropping insert on %s: %v", rel.QualifiedName(), err)
		return nil
	}

	p.open.changes = append(p.open.changes, &shape.Insert{Relation: rel, Record: record})
	return nil
}

func (p *Producer) handleUpdate(m *pgrepl.Update) error {
	rel, err := p.requireRelation(m.RelationID, "Update")
	if err != nil || rel == nil {
		return err
	}

	record, err := p.tupleRecord(rel, m.New)
	if err != nil {
		p.protocolError("dropping update on %s: %v", rel.QualifiedName(), err)
		return nil
	}

	update := &shape.Update{Relation: rel, Record: record}
	if m.HasOld {
		old, err := p.tupleRecord(rel, m.Old)
		if err != nil {
			p.protocolError("dropping update on %s: %v", rel.QualifiedName(), err)
			return nil
		}
		update.OldRecord = old
	}
	update.ChangedColumns = changedColumns(rel, update.OldRecord, record, m.HasOld && !m.OldIsKey)

	p.open.changes = append(p.open.changes, update)
	return nil
}

func (p *Producer) handleDelete(m *pgrepl.Delete) error {
	rel, err := p.requireRelation(m.RelationID, "Delete")
	if err != nil || rel == nil {
		return err
	}

	old, err := p.tupleRecord(rel, m.Old)
	if err != nil {
		p.protocolError("dropping delete on %s: %v", rel.QualifiedName(), err)
		return nil
	}

	p.open.changes = append(p.open.changes, &shape.Delete{Relation: rel, OldRecord: old})
	return nil
}

func (p *Producer) handleTruncate(m *pgrepl.Truncate) error {
	for _, id := range m.RelationIDs {
		rel, err := p.requireRelation(id, "Truncate")
		if err != nil || rel == nil {
			return err
		}
		p.open.changes = append(p.open.changes, &shape.Truncate{Relation: rel})
	}
	return nil
}

func (p *Producer) handleLogicalMessage(m *pgrepl.LogicalMessage) {
	if m.Prefix != p.opts.MessagePrefix {
		log.Debug().Str("prefix", m.Prefix).Msg("Ignoring control message with foreign prefix")
		return
	}
	if !m.Transactional || p.open == nil {
		p.protocolError("referenced-row message outside a transaction")
		return
	}

	var payload map[string]map[string]any
	if err := encoding.Unmarshal(m.Content, &payload); err != nil {
		p.protocolError("undecodable referenced-row payload at %s: %v", m.LSN, err)
		return
	}

	if p.open.referenced == nil {
		p.open.referenced = make(map[string]shape.Record, len(payload))
	}
	for table, row := range payload {
		p.open.referenced[table] = shape.Record(row)
	}
}

func (p *Producer) handleCommit(m *pgrepl.Commit) error {
	if p.open == nil {
		return &ConsistencyError{Reason: "Commit without an open transaction", Pos: m.CommitLSN}
	}
	if m.CommitLSN != p.open.start {
		return &ConsistencyError{
			Reason: fmt.Sprintf("Commit position %s does not match open transaction %s", m.CommitLSN, p.open.start),
			Pos:    m.CommitLSN,
		}
	}

	txn := &shape.Transaction{
		Changes:    p.open.changes,
		StartPos:   p.open.start,
		EndPos:     m.EndLSN,
		Origin:     p.open.origin,
		CommitTime: m.CommitTime,
		Referenced: p.open.referenced,
	}
	if ack := p.opts.Ack; ack != nil {
		end := m.EndLSN
		txn.Ack = func() { ack(end) }
	}
	if p.opts.Enrich != nil {
		p.opts.Enrich(txn)
	}
	p.open = nil

	telemetry.TxnsProduced.Inc()
	telemetry.TxnChanges.Observe(float64(txn.ChangeCount()))

	p.mu.Lock()
	p.queue = append(p.queue, txn)
	ready := p.drainLocked()
	telemetry.PendingDemand.Set(float64(p.demand))
	p.mu.Unlock()

	p.deliver(ready)
	return nil
}

// requireRelation resolves a relation id inside an open transaction.
// A nil relation with nil error means the message was dropped as a
// protocol error.
func (p *Producer) requireRelation(id uint32, kind string) (*shape.Relation, error) {
	if p.open == nil {
		p.protocolError("%s outside a transaction", kind)
		return nil, nil
	}
	rel, err := p.registry.Resolve(id)
	if err != nil {
		return nil, &ConsistencyError{Reason: err.Error(), Pos: p.open.start}
	}
	return rel, nil
}

// tupleRecord decodes a wire tuple into a record. Unchanged-toast
// columns are left absent from the record; nulls are present as nil.
func (p *Producer) tupleRecord(rel *shape.Relation, tuple pgrepl.Tuple) (shape.Record, error) {
	if len(tuple.Values) != len(rel.Columns) {
		return nil, fmt.Errorf("tuple has %d columns, relation declares %d", len(tuple.Values), len(rel.Columns))
	}

	row := codec.WireRow{Nulls: codec.NewBitmask(len(rel.Columns))}
	var unchanged []string
	for i, v := range tuple.Values {
		switch {
		case v.Null:
			row.Nulls.Set(i)
		case v.Unchanged:
			row.Nulls.Set(i)
			unchanged = append(unchanged, rel.Columns[i].Name)
		default:
			row.Values = append(row.Values, v.Data)
		}
	}

	record, err := codec.Deserialize(row, rel, p.opts.Declared)
	if err != nil {
		return nil, err
	}
	for _, name := range unchanged {
		delete(record, name)
	}
	return record, nil
}

// changedColumns lists the columns an update touched, in declaration
// order. With a full old row it is the exact difference; with a key-only
// or absent old row every present new column counts as changed.
func changedColumns(rel *shape.Relation, old, updated shape.Record, oldIsFull bool) []string {
	var cols []string
	for i := range rel.Columns {
		name := rel.Columns[i].Name
		value, present := updated[name]
		if !present {
			continue
		}
		if !oldIsFull || !valueEqual(old[name], value) {
			cols = append(cols, name)
		}
	}
	return cols
}

func valueEqual(a, b any) bool {
	ab, aBytes := a.([]byte)
	bb, bBytes := b.([]byte)
	if aBytes || bBytes {
		return aBytes && bBytes && bytes.Equal(ab, bb)
	}
	return a == b
}

func (p *Producer) protocolError(format string, args ...any) {
	telemetry.ProtocolErrorsTotal.Inc()
	log.Warn().Msgf("Protocol error: "+format, args...)
}
