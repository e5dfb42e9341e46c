// Package codec converts typed records to and from the wire's
// byte-array-plus-null-bitmask row representation. Encoding is a single
// chokepoint so both directions apply identical rules, in particular
// around null-vs-empty blobs and non-finite floats.
package codec

import (
	"fmt"
	"math"
	"strconv"

	"github.com/walpipe/walpipe/shape"
)

// Non-finite float tokens. The destination numeric format cannot carry
// these values, so they travel as literal strings.
const (
	TokenNaN    = "NaN"
	TokenInf    = "Infinity"
	TokenNegInf = "-Infinity"
)

// TypeError reports a column whose value does not fit its resolved type.
type TypeError struct {
	Column   string
	Declared shape.ColumnType
	Reason   string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("codec: column %q (%s): %s", e.Column, e.Declared, e.Reason)
}

// DeclaredSchema supplies the richer externally-declared column types.
// A nil DeclaredSchema or a miss falls back to the relation's
// wire-advertised type, so tables not yet present in the declared
// schema still round-trip on best-effort inference.
type DeclaredSchema interface {
	ColumnType(namespace, table, column string) (shape.ColumnType, bool)
}

// Bitmask is a per-column null mask ordered by column declaration
// order, independent of the values array.
type Bitmask []byte

// NewBitmask allocates a mask covering n columns.
func NewBitmask(n int) Bitmask {
	return make(Bitmask, (n+7)/8)
}

// Set marks column i as null.
func (m Bitmask) Set(i int) {
	m[i/8] |= 1 << uint(i%8)
}

// IsSet reports whether column i is null.
func (m Bitmask) IsSet(i int) bool {
	if i/8 >= len(m) {
		return false
	}
	return m[i/8]&(1<<uint(i%8)) != 0
}

// WireRow is a serialized row: one byte-array per non-null column in
// declaration order, plus the null mask. Callers must not conflate a
// set mask bit with an empty value entry.
type WireRow struct {
	Values [][]byte
	Nulls  Bitmask
}

// resolveType applies declared-over-wire precedence for one column.
func resolveType(rel *shape.Relation, col *shape.Column, declared DeclaredSchema) shape.ColumnType {
	if declared != nil {
		if typ, ok := declared.ColumnType(rel.Namespace, rel.Name, col.Name); ok {
			return typ
		}
	}
	return col.Type
}

// Serialize encodes a record against a relation's column order.
func Serialize(record shape.Record, rel *shape.Relation, declared DeclaredSchema) (WireRow, error) {
	row := WireRow{
		Values: make([][]byte, 0, len(rel.Columns)),
		Nulls:  NewBitmask(len(rel.Columns)),
	}

	for i := range rel.Columns {
		col := &rel.Columns[i]
		value, present := record[col.Name]
		if !present || value == nil {
			row.Nulls.Set(i)
			continue
		}

		encoded, err := encodeValue(value, resolveType(rel, col, declared), col.Name)
		if err != nil {
			return WireRow{}, err
		}
		row.Values = append(row.Values, encoded)
	}

	return row, nil
}

// Deserialize inverts Serialize. Non-finite tokens in a real column
// deserialize to their literal strings rather than failing, because the
// destination storage cannot represent them numerically.
func Deserialize(row WireRow, rel *shape.Relation, declared DeclaredSchema) (shape.Record, error) {
	record := make(shape.Record, len(rel.Columns))

	next := 0
	for i := range rel.Columns {
		col := &rel.Columns[i]
		if row.Nulls.IsSet(i) {
			record[col.Name] = nil
			continue
		}
		if next >= len(row.Values) {
			return nil, &TypeError{Column: col.Name, Declared: col.Type, Reason: "missing value entry"}
		}

		value, err := decodeValue(row.Values[next], resolveType(rel, col, declared), col.Name)
		if err != nil {
			return nil, err
		}
		record[col.Name] = value
		next++
	}

	return record, nil
}

func encodeValue(value any, typ shape.ColumnType, column string) ([]byte, error) {
	switch typ {
	case shape.TypeText, shape.TypeEnum:
		switch v := value.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		}
		return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("cannot encode %T as text", value)}

	case shape.TypeBlob:
		switch v := value.(type) {
		case []byte:
			// Zero-length stays a zero-length entry; null is mask-only.
			if v == nil {
				v = []byte{}
			}
			return v, nil
		case string:
			return []byte(v), nil
		}
		return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("cannot encode %T as blob", value)}

	case shape.TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("cannot encode %T as boolean", value)}
		}
		if b {
			return []byte("t"), nil
		}
		return []byte("f"), nil

	case shape.TypeInteger:
		switch v := value.(type) {
		case int64:
			// Decimal text keeps full 64-bit width on the wire.
			return strconv.AppendInt(nil, v, 10), nil
		case int:
			return strconv.AppendInt(nil, int64(v), 10), nil
		case int32:
			return strconv.AppendInt(nil, int64(v), 10), nil
		case string:
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("non-numeric string %q", v)}
			}
			return []byte(v), nil
		}
		return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("cannot encode %T as integer", value)}

	case shape.TypeReal:
		switch v := value.(type) {
		case float64:
			return encodeFloat(v), nil
		case float32:
			return encodeFloat(float64(v)), nil
		case int64:
			return strconv.AppendInt(nil, v, 10), nil
		case string:
			if v == TokenNaN || v == TokenInf || v == TokenNegInf {
				return []byte(v), nil
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("non-numeric string %q", v)}
			}
			return []byte(v), nil
		}
		return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("cannot encode %T as real", value)}
	}

	return nil, &TypeError{Column: column, Declared: typ, Reason: "unsupported column type"}
}

func encodeFloat(v float64) []byte {
	switch {
	case math.IsNaN(v):
		return []byte(TokenNaN)
	case math.IsInf(v, 1):
		return []byte(TokenInf)
	case math.IsInf(v, -1):
		return []byte(TokenNegInf)
	}
	// Shortest representation that round-trips.
	return strconv.AppendFloat(nil, v, 'G', -1, 64)
}

func decodeValue(data []byte, typ shape.ColumnType, column string) (any, error) {
	switch typ {
	case shape.TypeText, shape.TypeEnum:
		return string(data), nil

	case shape.TypeBlob:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil

	case shape.TypeBoolean:
		switch string(data) {
		case "t":
			return true, nil
		case "f":
			return false, nil
		}
		return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("invalid boolean %q", data)}

	case shape.TypeInteger:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("invalid integer %q", data)}
		}
		return n, nil

	case shape.TypeReal:
		s := string(data)
		switch s {
		case TokenNaN, TokenInf, TokenNegInf:
			// Destination storage holds the literal token.
			return s, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &TypeError{Column: column, Declared: typ, Reason: fmt.Sprintf("invalid real %q", data)}
		}
		return f, nil
	}

	return nil, &TypeError{Column: column, Declared: typ, Reason: "unsupported column type"}
}
