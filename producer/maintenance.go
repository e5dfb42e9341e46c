package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/wal"
)

// Maintenance is the second source connection, used for slot management
// queries. It never touches the copy stream; the replication connection
// stays exclusively owned by the Stream.
type Maintenance struct {
	conn *pgx.Conn
	slot string
}

func ConnectMaintenance(ctx context.Context, dsn, slot string) (*Maintenance, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("maintenance connect: %w", err)
	}
	return &Maintenance{conn: conn, slot: slot}, nil
}

// EnsureSlot creates the logical replication slot if it does not exist.
func (m *Maintenance) EnsureSlot(ctx context.Context) error {
	var exists bool
	err := m.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`,
		m.slot).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking slot %s: %w", m.slot, err)
	}
	if exists {
		return nil
	}

	_, err = m.conn.Exec(ctx,
		`SELECT pg_create_logical_replication_slot($1, 'pgoutput')`, m.slot)
	if err != nil {
		return fmt.Errorf("creating slot %s: %w", m.slot, err)
	}
	log.Info().Str("slot", m.slot).Msg("Created replication slot")
	return nil
}

// ConfirmedPosition reads the slot's persisted confirmed position, the
// position a fresh stream resumes from.
func (m *Maintenance) ConfirmedPosition(ctx context.Context) (wal.Position, error) {
	var confirmed string
	err := m.conn.QueryRow(ctx,
		`SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1`,
		m.slot).Scan(&confirmed)
	if err != nil {
		return 0, fmt.Errorf("reading confirmed position of slot %s: %w", m.slot, err)
	}
	return wal.ParseString(confirmed)
}

// Ping verifies the connection is alive. The slot maintainer calls it
// every tick so a dead maintenance connection surfaces as a fatal
// error instead of going unnoticed.
func (m *Maintenance) Ping(ctx context.Context) error {
	return m.conn.Ping(ctx)
}

func (m *Maintenance) Close(ctx context.Context) error {
	return m.conn.Close(ctx)
}

// SourceRowLoader reads current row data from the source over the
// maintenance connection, for climbing foreign-key chains.
type SourceRowLoader struct {
	maint   *Maintenance
	pk      map[string]string
	timeout time.Duration
}

// NewSourceRowLoader wraps the maintenance connection. pk maps table
// names to their primary-key column; tables not listed default to "id".
func NewSourceRowLoader(maint *Maintenance, pk map[string]string) *SourceRowLoader {
	return &SourceRowLoader{maint: maint, pk: pk, timeout: 5 * time.Second}
}

// ForeignKeyValue returns column of the row of table identified by
// rowID, rendered as text.
func (l *SourceRowLoader) ForeignKeyValue(table, rowID, column string) (string, error) {
	pkColumn, ok := l.pk[table]
	if !ok {
		pkColumn = "id"
	}

	query := fmt.Sprintf(`SELECT %s::text FROM %s WHERE %s = $1`,
		pgx.Identifier{column}.Sanitize(),
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{pkColumn}.Sanitize())

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	var value string
	if err := l.maint.conn.QueryRow(ctx, query, rowID).Scan(&value); err != nil {
		return "", fmt.Errorf("loading %s(%s).%s: %w", table, rowID, column, err)
	}
	return value, nil
}
