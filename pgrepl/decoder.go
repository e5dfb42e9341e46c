// Package pgrepl decodes the source database's logical replication
// byte stream into typed protocol messages. Decoding is stateless and
// pure: the same bytes always yield the same message. The field layout
// is a fixed external contract (tag byte, big-endian integers, 64-bit
// LSNs, length-prefixed text tuple values) and is reproduced bit-exact.
package pgrepl

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/walpipe/walpipe/wal"
)

// Message tag bytes.
const (
	tagBegin    = 'B'
	tagCommit   = 'C'
	tagOrigin   = 'O'
	tagRelation = 'R'
	tagType     = 'Y'
	tagInsert   = 'I'
	tagUpdate   = 'U'
	tagDelete   = 'D'
	tagTruncate = 'T'
	tagMessage  = 'M'
)

// Tuple value kind bytes.
const (
	kindNull      = 'n'
	kindUnchanged = 'u'
	kindText      = 't'
)

// DecodeError is a typed protocol decoding failure.
type DecodeError struct {
	Tag    byte
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Tag != 0 {
		return fmt.Sprintf("replication decode: message %q at offset %d: %s", e.Tag, e.Offset, e.Reason)
	}
	return fmt.Sprintf("replication decode: %s", e.Reason)
}

// Message is a decoded protocol message. The set is closed; consumers
// switch exhaustively on the concrete type.
type Message interface {
	message()
}

// Begin opens a transaction on the stream.
type Begin struct {
	FinalLSN   wal.Position
	CommitTime time.Time
	Xid        uint32
}

// Commit closes the open transaction.
type Commit struct {
	Flags      uint8
	CommitLSN  wal.Position
	EndLSN     wal.Position
	CommitTime time.Time
}

// Origin tags the open transaction with the replica it originated on.
type Origin struct {
	CommitLSN wal.Position
	Name      string
}

// RelationColumn is one column of a Relation message.
type RelationColumn struct {
	Flags   uint8
	Name    string
	TypeOID uint32
	TypeMod int32
}

// Relation (re)advertises a table's wire schema for a relation id.
type Relation struct {
	ID              uint32
	Namespace       string
	Name            string
	ReplicaIdentity uint8
	Columns         []RelationColumn
}

// Type advertises a non-builtin type OID.
type Type struct {
	OID       uint32
	Namespace string
	Name      string
}

// TupleValue is one column slot of a tuple. Exactly one of Null and
// Unchanged is set when Data is nil; an empty non-nil Data is a
// zero-length value, not null.
type TupleValue struct {
	Null      bool
	Unchanged bool
	Data      []byte
}

// Tuple is the column data of a row on the wire.
type Tuple struct {
	Values []TupleValue
}

// Insert carries a new row for a relation id.
type Insert struct {
	RelationID uint32
	New        Tuple
}

// Update carries a changed row. Old is present only when the replica
// identity supplied key or full old-row data; OldIsKey reports whether
// a present Old holds only the changed-key columns.
type Update struct {
	RelationID uint32
	HasOld     bool
	OldIsKey   bool
	Old        Tuple
	New        Tuple
}

// Delete carries the identity of a removed row.
type Delete struct {
	RelationID uint32
	OldIsKey   bool
	Old        Tuple
}

// Truncate lists the relation ids of truncated tables.
type Truncate struct {
	RelationIDs     []uint32
	Cascade         bool
	RestartIdentity bool
}

// LogicalMessage is an out-of-band control message embedded in the
// stream by application logic; Content is opaque to the decoder.
type LogicalMessage struct {
	Transactional bool
	LSN           wal.Position
	Prefix        string
	Content       []byte
}

func (*Begin) message()          {}
func (*Commit) message()         {}
func (*Origin) message()         {}
func (*Relation) message()       {}
func (*Type) message()           {}
func (*Insert) message()         {}
func (*Update) message()         {}
func (*Delete) message()         {}
func (*Truncate) message()       {}
func (*LogicalMessage) message() {}

// Decode parses one protocol message. Unknown leading tags fail with a
// DecodeError; bytes are never silently dropped.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty message"}
	}

	r := &reader{tag: data[0], buf: data, off: 1}

	var msg Message
	switch r.tag {
	case tagBegin:
		msg = decodeBegin(r)
	case tagCommit:
		msg = decodeCommit(r)
	case tagOrigin:
		msg = decodeOrigin(r)
	case tagRelation:
		msg = decodeRelation(r)
	case tagType:
		msg = decodeType(r)
	case tagInsert:
		msg = decodeInsert(r)
	case tagUpdate:
		msg = decodeUpdate(r)
	case tagDelete:
		msg = decodeDelete(r)
	case tagTruncate:
		msg = decodeTruncate(r)
	case tagMessage:
		msg = decodeLogicalMessage(r)
	default:
		return nil, &DecodeError{Tag: r.tag, Reason: "unknown message tag"}
	}

	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

func decodeBegin(r *reader) *Begin {
	return &Begin{
		FinalLSN:   wal.Position(r.uint64()),
		CommitTime: pgTime(r.int64()),
		Xid:        r.uint32(),
	}
}

func decodeCommit(r *reader) *Commit {
	return &Commit{
		Flags:      r.uint8(),
		CommitLSN:  wal.Position(r.uint64()),
		EndLSN:     wal.Position(r.uint64()),
		CommitTime: pgTime(r.int64()),
	}
}

func decodeOrigin(r *reader) *Origin {
	return &Origin{
		CommitLSN: wal.Position(r.uint64()),
		Name:      r.cstring(),
	}
}

func decodeRelation(r *reader) *Relation {
	rel := &Relation{
		ID:              r.uint32(),
		Namespace:       r.cstring(),
		Name:            r.cstring(),
		ReplicaIdentity: r.uint8(),
	}
	n := int(r.uint16())
	rel.Columns = make([]RelationColumn, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		rel.Columns = append(rel.Columns, RelationColumn{
			Flags:   r.uint8(),
			Name:    r.cstring(),
			TypeOID: r.uint32(),
			TypeMod: int32(r.uint32()),
		})
	}
	return rel
}

func decodeType(r *reader) *Type {
	return &Type{
		OID:       r.uint32(),
		Namespace: r.cstring(),
		Name:      r.cstring(),
	}
}

func decodeInsert(r *reader) *Insert {
	msg := &Insert{RelationID: r.uint32()}
	if kind := r.uint8(); kind != 'N' && r.err == nil {
		r.fail(fmt.Sprintf("expected new-tuple marker 'N', got %q", kind))
		return msg
	}
	msg.New = r.tuple()
	return msg
}

func decodeUpdate(r *reader) *Update {
	msg := &Update{RelationID: r.uint32()}
	switch kind := r.uint8(); kind {
	case 'K':
		msg.HasOld, msg.OldIsKey = true, true
		msg.Old = r.tuple()
	case 'O':
		msg.HasOld = true
		msg.Old = r.tuple()
	case 'N':
		msg.New = r.tuple()
		return msg
	default:
		if r.err == nil {
			r.fail(fmt.Sprintf("unexpected tuple marker %q", kind))
		}
		return msg
	}
	if kind := r.uint8(); kind != 'N' && r.err == nil {
		r.fail(fmt.Sprintf("expected new-tuple marker 'N', got %q", kind))
		return msg
	}
	msg.New = r.tuple()
	return msg
}

func decodeDelete(r *reader) *Delete {
	msg := &Delete{RelationID: r.uint32()}
	switch kind := r.uint8(); kind {
	case 'K':
		msg.OldIsKey = true
	case 'O':
	default:
		if r.err == nil {
			r.fail(fmt.Sprintf("unexpected tuple marker %q", kind))
		}
		return msg
	}
	msg.Old = r.tuple()
	return msg
}

func decodeTruncate(r *reader) *Truncate {
	n := int(r.uint32())
	options := r.uint8()
	msg := &Truncate{
		Cascade:         options&0x1 != 0,
		RestartIdentity: options&0x2 != 0,
		RelationIDs:     make([]uint32, 0, n),
	}
	for i := 0; i < n && r.err == nil; i++ {
		msg.RelationIDs = append(msg.RelationIDs, r.uint32())
	}
	return msg
}

func decodeLogicalMessage(r *reader) *LogicalMessage {
	msg := &LogicalMessage{
		Transactional: r.uint8()&0x1 != 0,
		LSN:           wal.Position(r.uint64()),
		Prefix:        r.cstring(),
	}
	n := int(r.uint32())
	msg.Content = r.bytes(n)
	return msg
}

func (r *reader) tuple() Tuple {
	n := int(r.uint16())
	tup := Tuple{Values: make([]TupleValue, 0, n)}
	for i := 0; i < n && r.err == nil; i++ {
		switch kind := r.uint8(); kind {
		case kindNull:
			tup.Values = append(tup.Values, TupleValue{Null: true})
		case kindUnchanged:
			tup.Values = append(tup.Values, TupleValue{Unchanged: true})
		case kindText:
			size := int(r.uint32())
			data := r.bytes(size)
			if data == nil && r.err == nil {
				data = []byte{}
			}
			tup.Values = append(tup.Values, TupleValue{Data: data})
		default:
			if r.err == nil {
				r.fail(fmt.Sprintf("unknown tuple value kind %q", kind))
			}
		}
	}
	return tup
}

// pgEpoch is 2000-01-01 UTC; stream timestamps are microseconds since it.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func pgTime(micros int64) time.Time {
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond)
}

// reader tracks a cursor over one message and latches the first error.
type reader struct {
	tag byte
	buf []byte
	off int
	err *DecodeError
}

func (r *reader) fail(reason string) {
	if r.err == nil {
		r.err = &DecodeError{Tag: r.tag, Offset: r.off, Reason: reason}
	}
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.fail(fmt.Sprintf("truncated: need %d bytes, have %d", n, len(r.buf)-r.off))
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) uint8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) int64() int64 {
	return int64(r.uint64())
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.off:i])
			r.off = i + 1
			return s
		}
	}
	r.fail("unterminated string")
	return ""
}
