package shape

// ColumnType is the logical type a column carries on the wire.
type ColumnType uint8

const (
	TypeText ColumnType = iota
	TypeInteger
	TypeReal
	TypeBoolean
	TypeBlob
	TypeEnum
)

func (t ColumnType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "real"
	case TypeBoolean:
		return "boolean"
	case TypeBlob:
		return "blob"
	case TypeEnum:
		return "enum"
	}
	return "unknown"
}

// Column describes a single column of a replicated relation.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Relation describes a replicated table as advertised on the stream.
// The ID is assigned by the source per session and may change across
// connections; it must be re-resolved from Relation protocol messages.
type Relation struct {
	ID        uint32
	Namespace string
	Name      string
	Columns   []Column
}

// QualifiedName returns namespace.name.
func (r *Relation) QualifiedName() string {
	return r.Namespace + "." + r.Name
}

// Column returns the named column, or nil when the relation does not
// carry it.
func (r *Relation) Column(name string) *Column {
	for i := range r.Columns {
		if r.Columns[i].Name == name {
			return &r.Columns[i]
		}
	}
	return nil
}

// Postgres type OIDs the stream advertises for column types.
const (
	oidBool    = 16
	oidBytea   = 17
	oidInt8    = 20
	oidInt2    = 21
	oidInt4    = 23
	oidText    = 25
	oidFloat4  = 700
	oidFloat8  = 701
	oidVarchar = 1043
	oidNumeric = 1700
)

// TypeFromOID maps a wire-advertised type OID to the coarser logical
// type set. Unknown OIDs fall back to text, matching the source's
// text-format tuple encoding.
func TypeFromOID(oid uint32) ColumnType {
	switch oid {
	case oidBool:
		return TypeBoolean
	case oidBytea:
		return TypeBlob
	case oidInt2, oidInt4, oidInt8:
		return TypeInteger
	case oidFloat4, oidFloat8, oidNumeric:
		return TypeReal
	case oidText, oidVarchar:
		return TypeText
	}
	return TypeText
}
