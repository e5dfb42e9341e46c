package shape

import (
	"time"

	"github.com/walpipe/walpipe/wal"
)

// Transaction is one committed source transaction. Changes are in
// commit-time application order, oldest first, and never reorder after
// the transaction is frozen at commit.
type Transaction struct {
	Changes  []Change
	StartPos wal.Position
	EndPos   wal.Position

	// Origin tags which replica produced the transaction; empty for
	// writes local to the source.
	Origin string

	CommitTime time.Time

	// Referenced carries auxiliary records attached by out-of-band
	// control messages (foreign-key chain touches), keyed by qualified
	// relation name. Not part of the change list.
	Referenced map[string]Record

	// Ack acknowledges durable downstream delivery of this transaction,
	// allowing the source to discard replayable log segments up to
	// EndPos. Invoked at most once; nil until the producer seals the
	// transaction at commit.
	Ack func()
}

// ChangeCount returns the number of row changes in the transaction.
func (t *Transaction) ChangeCount() int {
	return len(t.Changes)
}

// Acknowledge invokes the ack callback if one is bound.
func (t *Transaction) Acknowledge() {
	if t.Ack != nil {
		t.Ack()
	}
}
