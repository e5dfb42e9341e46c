package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/codec"
	"github.com/walpipe/walpipe/perms"
	"github.com/walpipe/walpipe/shape"
	"github.com/walpipe/walpipe/telemetry"
	"github.com/walpipe/walpipe/wal"
	"github.com/walpipe/walpipe/window"
)

// ErrSnapshotRequired means the subscriber's cursor fell behind the
// replay window; it must resync from the source before resubscribing.
var ErrSnapshotRequired = errors.New("dispatch: cursor behind replay window, full resync required")

// Policy decides what happens when a change in a transaction is denied
// for the subscriber's roles.
type Policy uint8

const (
	// DropDenied strips denied changes and delivers the rest.
	DropDenied Policy = iota
	// RejectTransaction suppresses the whole transaction when any of
	// its changes is denied.
	RejectTransaction
)

// SendFunc hands an encoded envelope to the subscriber's transport.
// Returning nil means delivery is durable; the transaction is
// acknowledged upstream only after that.
type SendFunc func(ctx context.Context, payload []byte) error

// Subscriber is one attached client feed.
type Subscriber struct {
	ID    string
	Roles []perms.Role

	// TablePatterns are glob patterns matched against qualified table
	// names; empty means all tables.
	TablePatterns []string

	Policy Policy
	Send   SendFunc

	// Cursor is the resume position: delivery starts strictly after it.
	Cursor wal.Position
}

// Worker drives one subscriber's delivery loop.
type Worker struct {
	cache    *window.Cache
	eval     *perms.Evaluator
	declared codec.DeclaredSchema
	sub      *Subscriber
	filters  []glob.Glob
}

func NewWorker(cache *window.Cache, eval *perms.Evaluator, declared codec.DeclaredSchema, sub *Subscriber) (*Worker, error) {
	w := &Worker{cache: cache, eval: eval, declared: declared, sub: sub}
	for _, pattern := range sub.TablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("subscriber %s: bad table pattern %q: %w", sub.ID, pattern, err)
		}
		w.filters = append(w.filters, g)
	}
	return w, nil
}

// Run walks the window from the subscriber's cursor until the context
// is cancelled. At the window head it parks on a notification; a
// cursor behind the window returns ErrSnapshotRequired.
func (w *Worker) Run(ctx context.Context) error {
	telemetry.SubscribersActive.Inc()
	defer telemetry.SubscribersActive.Dec()

	pos := w.sub.Cursor
	for {
		if ctx.Err() != nil {
			return nil
		}

		entry, err := w.cache.NextSegment(pos)
		switch {
		case errors.Is(err, window.ErrTooOld):
			return fmt.Errorf("subscriber %s at %s: %w", w.sub.ID, pos, ErrSnapshotRequired)

		case errors.Is(err, window.ErrLatest):
			if err := w.parkUntilData(ctx, pos); err != nil {
				return err
			}
			continue

		case err != nil:
			return err
		}

		if err := w.deliver(ctx, entry); err != nil {
			return err
		}
		pos = entry.Pos
		w.sub.Cursor = pos
	}
}

func (w *Worker) parkUntilData(ctx context.Context, pos wal.Position) error {
	n := w.cache.RequestNotification(pos)
	select {
	case <-ctx.Done():
		n.Cancel()
		return nil
	case <-n.C:
		return nil
	}
}

func (w *Worker) deliver(ctx context.Context, entry window.Entry) error {
	txn := entry.Txn
	allowed := make([]shape.Change, 0, len(txn.Changes))

	for _, change := range txn.Changes {
		if !w.tableMatches(change.Rel().QualifiedName()) {
			continue
		}
		if denial := w.eval.Authorize(change, w.sub.Roles, entry.Pos); denial != nil {
			if w.sub.Policy == RejectTransaction {
				log.Warn().
					Str("subscriber", w.sub.ID).
					Stringer("pos", entry.Pos).
					Str("reason", denial.Reason).
					Msg("Transaction rejected by permission policy")
				telemetry.DispatchedTxnsTotal.With("rejected").Inc()
				txn.Acknowledge()
				return nil
			}
			continue
		}
		allowed = append(allowed, change)
	}

	if len(allowed) == 0 && len(txn.Referenced) == 0 {
		telemetry.DispatchedTxnsTotal.With("filtered").Inc()
		txn.Acknowledge()
		return nil
	}

	payload, err := encodeEnvelope(txn, allowed, w.declared)
	if err != nil {
		return fmt.Errorf("subscriber %s: %w", w.sub.ID, err)
	}
	if err := w.sub.Send(ctx, payload); err != nil {
		return fmt.Errorf("subscriber %s send: %w", w.sub.ID, err)
	}

	// Send returned, delivery is durable: only now does the source get
	// to discard log behind this transaction.
	txn.Acknowledge()
	telemetry.DispatchedTxnsTotal.With("sent").Inc()
	return nil
}

func (w *Worker) tableMatches(qualified string) bool {
	if len(w.filters) == 0 {
		return true
	}
	for _, g := range w.filters {
		if g.Match(qualified) {
			return true
		}
	}
	return false
}
