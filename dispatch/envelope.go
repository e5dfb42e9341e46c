// Package dispatch delivers cached transactions to subscribers: each
// subscriber gets a worker that walks the replay window from its resume
// cursor, filters and authorizes row changes for the subscriber's
// roles, and hands encoded envelopes to the subscriber's transport.
package dispatch

import (
	"fmt"

	"github.com/walpipe/walpipe/codec"
	"github.com/walpipe/walpipe/encoding"
	"github.com/walpipe/walpipe/shape"
)

// WireChange is one row change inside a delivery envelope. Values and
// Nulls follow the row codec: one byte-array per non-null column in
// declaration order plus the null mask.
type WireChange struct {
	Table   string   `msgpack:"table"`
	Op      string   `msgpack:"op"`
	Columns []string `msgpack:"columns,omitempty"`
	Values  [][]byte `msgpack:"values,omitempty"`
	Nulls   []byte   `msgpack:"nulls,omitempty"`

	OldValues [][]byte `msgpack:"old_values,omitempty"`
	OldNulls  []byte   `msgpack:"old_nulls,omitempty"`
	Changed   []string `msgpack:"changed,omitempty"`
}

// Envelope is the wire form of one delivered transaction. Positions
// are 8-byte big-endian so envelope order matches byte order.
type Envelope struct {
	Start      []byte                  `msgpack:"start"`
	End        []byte                  `msgpack:"end"`
	Origin     string                  `msgpack:"origin,omitempty"`
	CommitTime int64                   `msgpack:"commit_time_us"`
	Changes    []WireChange            `msgpack:"changes"`
	Referenced map[string]shape.Record `msgpack:"referenced,omitempty"`
}

// encodeEnvelope serializes the allowed subset of a transaction's
// changes into the msgpack wire envelope.
func encodeEnvelope(txn *shape.Transaction, changes []shape.Change, declared codec.DeclaredSchema) ([]byte, error) {
	env := Envelope{
		Start:      txn.StartPos.Serialize(),
		End:        txn.EndPos.Serialize(),
		Origin:     txn.Origin,
		CommitTime: txn.CommitTime.UnixMicro(),
		Changes:    make([]WireChange, 0, len(changes)),
		Referenced: txn.Referenced,
	}

	for _, change := range changes {
		wire, err := encodeChange(change, declared)
		if err != nil {
			return nil, err
		}
		env.Changes = append(env.Changes, wire)
	}

	return encoding.Marshal(&env)
}

func encodeChange(change shape.Change, declared codec.DeclaredSchema) (WireChange, error) {
	rel := change.Rel()
	wire := WireChange{Table: rel.QualifiedName()}

	columns := make([]string, len(rel.Columns))
	for i := range rel.Columns {
		columns[i] = rel.Columns[i].Name
	}

	switch c := change.(type) {
	case *shape.Insert:
		wire.Op = "insert"
		wire.Columns = columns
		row, err := codec.Serialize(c.Record, rel, declared)
		if err != nil {
			return WireChange{}, fmt.Errorf("encoding insert on %s: %w", wire.Table, err)
		}
		wire.Values, wire.Nulls = row.Values, row.Nulls

	case *shape.Update:
		wire.Op = "update"
		wire.Columns = columns
		wire.Changed = c.ChangedColumns
		row, err := codec.Serialize(c.Record, rel, declared)
		if err != nil {
			return WireChange{}, fmt.Errorf("encoding update on %s: %w", wire.Table, err)
		}
		wire.Values, wire.Nulls = row.Values, row.Nulls
		if c.OldRecord != nil {
			old, err := codec.Serialize(c.OldRecord, rel, declared)
			if err != nil {
				return WireChange{}, fmt.Errorf("encoding update old row on %s: %w", wire.Table, err)
			}
			wire.OldValues, wire.OldNulls = old.Values, old.Nulls
		}

	case *shape.Delete:
		wire.Op = "delete"
		wire.Columns = columns
		old, err := codec.Serialize(c.OldRecord, rel, declared)
		if err != nil {
			return WireChange{}, fmt.Errorf("encoding delete on %s: %w", wire.Table, err)
		}
		wire.OldValues, wire.OldNulls = old.Values, old.Nulls

	case *shape.Truncate:
		wire.Op = "truncate"
	}

	return wire, nil
}
