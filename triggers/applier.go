package triggers

import (
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

// OplogEntry is one row read back from the oplog table.
type OplogEntry struct {
	RowID      int64
	Namespace  string
	TableName  string
	OpType     string
	PrimaryKey string
	NewRow     sql.NullString
	OldRow     sql.NullString
	Timestamp  sql.NullString
	ClearTags  string
}

// Applier installs and manages the oplog machinery on a client store.
type Applier struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

// NewApplier wraps an open client store handle.
func NewApplier(db *sql.DB) *Applier {
	return &Applier{db: db, dialect: goqu.Dialect("sqlite3")}
}

// Install creates the oplog and settings tables and the triggers for
// every tracked table, arming each table by default.
func (a *Applier) Install(tables []TableSchema) error {
	for _, stmt := range OplogDDL() {
		if _, err := a.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating oplog tables: %w", err)
		}
	}

	for i := range tables {
		table := &tables[i]
		if err := a.seedSettings(table); err != nil {
			return err
		}
		for _, stmt := range Generate(table) {
			if _, err := a.db.Exec(stmt); err != nil {
				return fmt.Errorf("creating triggers for %s.%s: %w", table.Namespace, table.Name, err)
			}
		}
		log.Debug().
			Str("namespace", table.Namespace).
			Str("table", table.Name).
			Msg("Installed oplog triggers")
	}
	return nil
}

func (a *Applier) seedSettings(table *TableSchema) error {
	query, args, err := a.dialect.
		Insert(SettingsTable).
		Cols("namespace", "tablename", "flag").
		Vals(goqu.Vals{table.Namespace, table.Name, 1}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := a.db.Exec(query, args...); err != nil {
		return fmt.Errorf("seeding settings for %s.%s: %w", table.Namespace, table.Name, err)
	}
	return nil
}

// Arm enables oplog capture for a table.
func (a *Applier) Arm(namespace, table string) error {
	return a.setFlag(namespace, table, 1)
}

// Disarm disables oplog capture for a table, e.g. around the initial
// sync's bulk load. The trigger definitions stay in place.
func (a *Applier) Disarm(namespace, table string) error {
	return a.setFlag(namespace, table, 0)
}

func (a *Applier) setFlag(namespace, table string, flag int) error {
	query, args, err := a.dialect.
		Update(SettingsTable).
		Set(goqu.Record{"flag": flag}).
		Where(goqu.Ex{"namespace": namespace, "tablename": table}).
		ToSQL()
	if err != nil {
		return err
	}

	res, err := a.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("toggling capture for %s.%s: %w", namespace, table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("table %s.%s has no settings row", namespace, table)
	}
	return nil
}

// Armed reports whether capture is enabled for a table.
func (a *Applier) Armed(namespace, table string) (bool, error) {
	query, args, err := a.dialect.
		From(SettingsTable).
		Select("flag").
		Where(goqu.Ex{"namespace": namespace, "tablename": table}).
		ToSQL()
	if err != nil {
		return false, err
	}

	var flag int
	if err := a.db.QueryRow(query, args...).Scan(&flag); err != nil {
		return false, fmt.Errorf("reading capture flag for %s.%s: %w", namespace, table, err)
	}
	return flag == 1, nil
}

// Entries reads oplog rows past a rowid in insertion order. The
// change-forwarding layer consumes these in batches.
func (a *Applier) Entries(afterRowID int64) ([]OplogEntry, error) {
	query, args, err := a.dialect.
		From(OplogTable).
		Select("rowid", "namespace", "tablename", "optype", "primaryKey", "newRow", "oldRow", "timestamp", "clearTags").
		Where(goqu.C("rowid").Gt(afterRowID)).
		Order(goqu.C("rowid").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading oplog: %w", err)
	}
	defer rows.Close()

	var entries []OplogEntry
	for rows.Next() {
		var e OplogEntry
		if err := rows.Scan(&e.RowID, &e.Namespace, &e.TableName, &e.OpType,
			&e.PrimaryKey, &e.NewRow, &e.OldRow, &e.Timestamp, &e.ClearTags); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StampBatch fills the timestamp of every unstamped oplog row up to
// and including maxRowID. The batching layer calls this when it picks
// entries up, so all rows of one batch share one timestamp.
func (a *Applier) StampBatch(maxRowID int64, timestamp string) error {
	query, args, err := a.dialect.
		Update(OplogTable).
		Set(goqu.Record{"timestamp": timestamp}).
		Where(goqu.C("timestamp").IsNull(), goqu.C("rowid").Lte(maxRowID)).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := a.db.Exec(query, args...); err != nil {
		return fmt.Errorf("stamping oplog batch: %w", err)
	}
	return nil
}
