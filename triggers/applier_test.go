package triggers

import (
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func patientsSchema() TableSchema {
	return TableSchema{
		Namespace: "main",
		Name:      "patients",
		Columns: []ColumnDef{
			{Name: "id", Kind: KindReal, PK: true},
			{Name: "name", Kind: KindText},
			{Name: "bmi", Kind: KindReal},
			{Name: "visits", Kind: KindInteger},
			{Name: "photo", Kind: KindBlob},
		},
	}
}

func installPatients(t *testing.T, db *sql.DB) *Applier {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE patients (id REAL PRIMARY KEY, name TEXT, bmi REAL, visits INTEGER, photo BLOB)`)
	require.NoError(t, err)

	applier := NewApplier(db)
	schema := patientsSchema()
	require.NoError(t, applier.Install([]TableSchema{schema}))
	return applier
}

func decodeJSON(t *testing.T, raw sql.NullString) map[string]any {
	t.Helper()
	require.True(t, raw.Valid)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw.String), &m))
	return m
}

func TestInsertCapturesRowAsText(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	_, err := db.Exec(`INSERT INTO patients (id, name, bmi, visits, photo) VALUES (1.5, 'alice', 22.4, 3, X'DEADBEEF')`)
	require.NoError(t, err)

	entries, err := applier.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "main", entry.Namespace)
	assert.Equal(t, "patients", entry.TableName)
	assert.Equal(t, "INSERT", entry.OpType)
	assert.False(t, entry.Timestamp.Valid)
	assert.Equal(t, "[]", entry.ClearTags)

	newRow := decodeJSON(t, entry.NewRow)
	assert.Equal(t, "1.5", newRow["id"])
	assert.Equal(t, "alice", newRow["name"])
	assert.Equal(t, "22.4", newRow["bmi"])
	assert.Equal(t, "3", newRow["visits"])
	assert.Equal(t, "DEADBEEF", newRow["photo"])
	assert.False(t, entry.OldRow.Valid)
}

func TestNonFiniteRealsUseInfTokens(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	_, err := db.Exec(`INSERT INTO patients (id, bmi) VALUES (-9e999, 9e999)`)
	require.NoError(t, err)

	entries, err := applier.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	pk := decodeJSON(t, sql.NullString{String: entries[0].PrimaryKey, Valid: true})
	assert.Equal(t, "-Inf", pk["id"])

	newRow := decodeJSON(t, entries[0].NewRow)
	assert.Equal(t, "Inf", newRow["bmi"])
}

func TestEmptyBlobDistinctFromNull(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	_, err := db.Exec(`INSERT INTO patients (id, photo) VALUES (1, X''), (2, NULL)`)
	require.NoError(t, err)

	entries, err := applier.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	withEmpty := decodeJSON(t, entries[0].NewRow)
	assert.Equal(t, "", withEmpty["photo"])

	withNull := decodeJSON(t, entries[1].NewRow)
	assert.Nil(t, withNull["photo"])
}

func TestUpdateAndDeleteCaptureOldRow(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	_, err := db.Exec(`INSERT INTO patients (id, name) VALUES (1, 'alice')`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE patients SET name = 'bob' WHERE id = 1`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM patients WHERE id = 1`)
	require.NoError(t, err)

	entries, err := applier.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	update := entries[1]
	assert.Equal(t, "UPDATE", update.OpType)
	assert.Equal(t, "bob", decodeJSON(t, update.NewRow)["name"])
	assert.Equal(t, "alice", decodeJSON(t, update.OldRow)["name"])

	del := entries[2]
	assert.Equal(t, "DELETE", del.OpType)
	assert.False(t, del.NewRow.Valid)
	assert.Equal(t, "bob", decodeJSON(t, del.OldRow)["name"])
}

func TestDisarmSuppressesCapture(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	armed, err := applier.Armed("main", "patients")
	require.NoError(t, err)
	assert.True(t, armed)

	require.NoError(t, applier.Disarm("main", "patients"))
	_, err = db.Exec(`INSERT INTO patients (id) VALUES (1)`)
	require.NoError(t, err)

	entries, err := applier.Entries(0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, applier.Arm("main", "patients"))
	_, err = db.Exec(`INSERT INTO patients (id) VALUES (2)`)
	require.NoError(t, err)

	entries, err = applier.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "INSERT", entries[0].OpType)
}

func TestDisarmUnknownTableFails(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	err := applier.Disarm("main", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no settings row")
}

func TestInstallIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	require.NoError(t, applier.Install([]TableSchema{patientsSchema()}))

	_, err := db.Exec(`INSERT INTO patients (id) VALUES (1)`)
	require.NoError(t, err)

	entries, err := applier.Entries(0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStampBatchFillsOnlyUnstamped(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	_, err := db.Exec(`INSERT INTO patients (id) VALUES (1), (2)`)
	require.NoError(t, err)

	entries, err := applier.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, applier.StampBatch(entries[0].RowID, "2026-01-02T03:04:05Z"))
	require.NoError(t, applier.StampBatch(entries[1].RowID, "2026-06-07T08:09:10Z"))

	entries, err = applier.Entries(0)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", entries[0].Timestamp.String)
	assert.Equal(t, "2026-06-07T08:09:10Z", entries[1].Timestamp.String)
}

func TestEntriesResumeFromRowID(t *testing.T) {
	db := openTestDB(t)
	applier := installPatients(t, db)

	_, err := db.Exec(`INSERT INTO patients (id) VALUES (1), (2), (3)`)
	require.NoError(t, err)

	all, err := applier.Entries(0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	tail, err := applier.Entries(all[0].RowID)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, all[1].RowID, tail[0].RowID)
}
