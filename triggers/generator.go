// Package triggers generates the client-side oplog machinery: every
// mutation on a tracked table is mirrored into a central oplog table by
// generated triggers, guarded by a per-table armed flag so replication
// can be toggled off during bulk operations without dropping the
// trigger definitions.
package triggers

import (
	"fmt"
	"strings"
)

// Central table names inside the client store.
const (
	OplogTable    = "_walpipe_oplog"
	SettingsTable = "_walpipe_trigger_settings"
)

// ColumnKind drives the JSON cast a column gets in generated triggers.
type ColumnKind uint8

const (
	KindText ColumnKind = iota
	KindInteger
	KindReal
	KindBlob
)

// ColumnDef is one column of a tracked table.
type ColumnDef struct {
	Name string
	Kind ColumnKind
	PK   bool
}

// TableSchema describes a tracked table for generation.
type TableSchema struct {
	Namespace string
	Name      string
	Columns   []ColumnDef
}

func (t *TableSchema) pkColumns() []ColumnDef {
	var pks []ColumnDef
	for _, col := range t.Columns {
		if col.PK {
			pks = append(pks, col)
		}
	}
	return pks
}

// OplogDDL returns the statements creating the central oplog and
// settings tables. The timestamp stays null at insert time; the
// batching layer fills it when it picks entries up.
func OplogDDL() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  rowid INTEGER PRIMARY KEY AUTOINCREMENT,
  namespace TEXT NOT NULL,
  tablename TEXT NOT NULL,
  optype TEXT NOT NULL,
  primaryKey TEXT NOT NULL,
  newRow TEXT,
  oldRow TEXT,
  timestamp TEXT,
  clearTags TEXT NOT NULL DEFAULT '[]'
)`, OplogTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  namespace TEXT NOT NULL,
  tablename TEXT NOT NULL,
  flag INTEGER NOT NULL DEFAULT 1,
  PRIMARY KEY (namespace, tablename)
)`, SettingsTable),
	}
}

// Generate returns the trigger definitions mirroring every mutation on
// the table into the oplog: one trigger each for insert, update and
// delete, all guarded by the table's armed flag.
func Generate(table *TableSchema) []string {
	return []string{
		insertTrigger(table),
		updateTrigger(table),
		deleteTrigger(table),
	}
}

func guard(table *TableSchema) string {
	return fmt.Sprintf(
		"WHEN 1 = (SELECT flag FROM %s WHERE namespace = '%s' AND tablename = '%s')",
		SettingsTable, table.Namespace, table.Name)
}

func insertTrigger(t *TableSchema) string {
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS insert_%[1]s_%[2]s_into_oplog
AFTER INSERT ON %[2]s
%[3]s
BEGIN
  INSERT INTO %[4]s (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp)
  VALUES ('%[1]s', '%[2]s', 'INSERT', %[5]s, %[6]s, NULL, NULL);
END`,
		t.Namespace, t.Name, guard(t), OplogTable,
		jsonObject(t.pkColumns(), "new"), jsonObject(t.Columns, "new"))
}

func updateTrigger(t *TableSchema) string {
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS update_%[1]s_%[2]s_into_oplog
AFTER UPDATE ON %[2]s
%[3]s
BEGIN
  INSERT INTO %[4]s (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp)
  VALUES ('%[1]s', '%[2]s', 'UPDATE', %[5]s, %[6]s, %[7]s, NULL);
END`,
		t.Namespace, t.Name, guard(t), OplogTable,
		jsonObject(t.pkColumns(), "new"), jsonObject(t.Columns, "new"), jsonObject(t.Columns, "old"))
}

func deleteTrigger(t *TableSchema) string {
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS delete_%[1]s_%[2]s_into_oplog
AFTER DELETE ON %[2]s
%[3]s
BEGIN
  INSERT INTO %[4]s (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp)
  VALUES ('%[1]s', '%[2]s', 'DELETE', %[5]s, NULL, %[6]s, NULL);
END`,
		t.Namespace, t.Name, guard(t), OplogTable,
		jsonObject(t.pkColumns(), "old"), jsonObject(t.Columns, "old"))
}

// jsonObject builds a json_object(...) call over the columns of one
// row reference. Every value is cast to text first: the storage
// engine's json_object mishandles certain numeric values, so numbers
// travel as decimal text (with Inf tokens for non-finite reals) and
// blobs as uppercase hex.
func jsonObject(columns []ColumnDef, row string) string {
	parts := make([]string, 0, len(columns)*2)
	for _, col := range columns {
		parts = append(parts, fmt.Sprintf("'%s'", col.Name), castExpr(col, row))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

func castExpr(col ColumnDef, row string) string {
	ref := row + "." + col.Name
	switch col.Kind {
	case KindReal:
		return fmt.Sprintf(
			"CASE WHEN %[1]s = 9e999 THEN 'Inf' WHEN %[1]s = -9e999 THEN '-Inf' ELSE cast(%[1]s AS TEXT) END",
			ref)
	case KindInteger:
		return fmt.Sprintf("cast(%s AS TEXT)", ref)
	case KindBlob:
		// hex('') is '': a zero-length blob stays distinguishable from null.
		return fmt.Sprintf("CASE WHEN %[1]s IS NOT NULL THEN upper(hex(%[1]s)) ELSE NULL END", ref)
	default:
		return ref
	}
}
