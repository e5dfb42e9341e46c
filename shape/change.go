package shape

// Record maps column names to typed values. Allowed dynamic types are
// string, int64, float64, bool and []byte; nil represents SQL null.
// A present nil entry and an absent entry are both null for encoding
// purposes, but an empty []byte is a zero-length blob, never null.
type Record map[string]any

// Change is a single captured row mutation. The variant set is closed;
// consumers switch exhaustively on the concrete type.
type Change interface {
	// Rel returns the relation the change applies to.
	Rel() *Relation

	change()
}

// Insert is a captured row insertion.
type Insert struct {
	Relation *Relation
	Record   Record
}

// Update is a captured row update. OldRecord may be partial: when the
// source's replica identity does not cover all columns, only the
// changed-key columns are supplied.
type Update struct {
	Relation       *Relation
	OldRecord      Record
	Record         Record
	ChangedColumns []string
}

// Delete is a captured row deletion. OldRecord identifies the row and
// may be limited to replica-identity columns.
type Delete struct {
	Relation  *Relation
	OldRecord Record
}

// Truncate is a captured table truncation.
type Truncate struct {
	Relation *Relation
}

func (c *Insert) Rel() *Relation   { return c.Relation }
func (c *Update) Rel() *Relation   { return c.Relation }
func (c *Delete) Rel() *Relation   { return c.Relation }
func (c *Truncate) Rel() *Relation { return c.Relation }

func (*Insert) change()   {}
func (*Update) change()   {}
func (*Delete) change()   {}
func (*Truncate) change() {}

// Modifies reports whether an update touched the named column.
func (c *Update) Modifies(column string) bool {
	for _, changed := range c.ChangedColumns {
		if changed == column {
			return true
		}
	}
	return false
}
