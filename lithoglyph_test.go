package lithoglyph

import (
	"encoding/base64"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/opcodec"
	"github.com/hyperpolymath/lithoglyph-sub002/pkg/status"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(Config{Path: dir, Name: "scenario", Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

const insertAda = `{
	"op": "document.insert",
	"collection": "users",
	"data": {"name": "ada", "born": 1815},
	"provenance": {"actor": "scenario-test", "reason": "initial load"}
}`

func TestInsertCommitSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	tx, err := db.Begin(ReadWrite)
	require.NoError(t, err)
	blockID, err := tx.Apply([]byte(insertAda))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	db2 := openTestDB(t, dir)

	schema, err := db2.Schema()
	require.NoError(t, err)
	cols := gjson.ParseBytes(schema).Array()
	require.Len(t, cols, 1)
	assert.Equal(t, "users", cols[0].Get("name").String())
	assert.Equal(t, int64(1), cols[0].Get("document_count").Int())
	assert.Equal(t, blockID, cols[0].Get("head_block").Uint())

	rd, err := db2.Begin(ReadOnly)
	require.NoError(t, err)
	defer rd.Abort()
	payload, err := rd.ReadBlock(blockID)
	require.NoError(t, err)
	assert.Equal(t, "ada", gjson.GetBytes(payload, "data.name").String())

	// One insert yields two mutation entries: the document block and the
	// implicitly created collection registry entry. Checkpoints never
	// appear in the history.
	entries, err := db2.JournalEntries(0)
	require.NoError(t, err)
	parsed := gjson.ParseBytes(entries).Array()
	require.Len(t, parsed, 2)
	var docEntry gjson.Result
	for _, e := range parsed {
		assert.True(t, e.Get("committed").Bool())
		assert.False(t, e.Get("checkpoint").Bool())
		if e.Get("affected_block").Uint() == blockID {
			docEntry = e
		}
	}
	assert.Equal(t, "document.insert", docEntry.Get("op").String())
	assert.Equal(t, "scenario-test", docEntry.Get("provenance.actor").String())
}

func TestApplyInputValidation(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	tx, err := db.Begin(ReadWrite)
	require.NoError(t, err)
	defer tx.Abort()

	_, err = tx.Apply(nil)
	assert.True(t, status.Is(err, status.InvalidArgument), "empty: %v", err)

	_, err = tx.Apply([]byte("not json"))
	assert.True(t, status.Is(err, status.InvalidArgument), "malformed: %v", err)

	_, err = tx.Apply(make([]byte, opcodec.MaxOpSize+1))
	assert.True(t, status.Is(err, status.InvalidArgument), "oversized: %v", err)

	// Rejected operations leave nothing staged; commit is a clean no-op.
	require.NoError(t, tx.Commit())
	entries, err := db.JournalEntries(0)
	require.NoError(t, err)
	assert.Empty(t, gjson.ParseBytes(entries).Array())
}

func TestWriterConflictAndReadOnlyEnforcement(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	w, err := db.Begin(ReadWrite)
	require.NoError(t, err)

	_, err = db.Begin(ReadWrite)
	assert.True(t, status.Is(err, status.Conflict), "second writer: %v", err)

	rd, err := db.Begin(ReadOnly)
	require.NoError(t, err)
	_, err = rd.Apply([]byte(insertAda))
	assert.True(t, status.Is(err, status.PermissionDenied), "read-only apply: %v", err)
	rd.Abort()

	w.Abort()
	w2, err := db.Begin(ReadWrite)
	require.NoError(t, err)
	w2.Abort()
}

func TestHandleInvalidAfterFinish(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	tx, err := db.Begin(ReadWrite)
	require.NoError(t, err)
	_, err = tx.Apply([]byte(insertAda))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, "committed", tx.State())

	_, err = tx.Apply([]byte(insertAda))
	assert.True(t, status.Is(err, status.InvalidArgument), "apply after commit: %v", err)

	// Abort after commit is a harmless no-op.
	tx.Abort()
	assert.Equal(t, "committed", tx.State())
}

func TestCheckpointPersistsInSuperblock(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	tx, err := db.Begin(ReadWrite)
	require.NoError(t, err)
	_, err = tx.Apply([]byte(insertAda))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	seq, err := db.Checkpoint()
	require.NoError(t, err)
	sb := db.Superblock()
	assert.Equal(t, seq, sb.LastCheckpoint)
	assert.Equal(t, seq, sb.JournalHead)
}

func TestReadBlocksListsLiveBlocks(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	tx, err := db.Begin(ReadWrite)
	require.NoError(t, err)
	blockID, err := tx.Apply([]byte(insertAda))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	out, err := db.ReadBlocks("document")
	require.NoError(t, err)
	blks := gjson.ParseBytes(out).Array()
	require.Len(t, blks, 1)
	assert.Equal(t, blockID, blks[0].Get("id").Uint())

	raw, err := base64.StdEncoding.DecodeString(blks[0].Get("payload").String())
	require.NoError(t, err)
	assert.Equal(t, "ada", gjson.GetBytes(raw, "data.name").String())

	_, err = db.ReadBlocks("no-such-type")
	assert.True(t, status.Is(err, status.InvalidArgument), "bad type: %v", err)
}

func TestOpenRefusesWhenDiskTooFull(t *testing.T) {
	_, err := Open(Config{
		Path:             t.TempDir(),
		MinimumFreeBytes: math.MaxUint64,
		Logger:           testLogger(),
	})
	assert.True(t, status.Is(err, status.OutOfMemory), "free space gate: %v", err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lithoglyph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"path: /var/lib/lithoglyph\nname: production\nminimum_free_bytes: 1048576\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/lithoglyph", cfg.Path)
	assert.Equal(t, "production", cfg.Name)
	assert.Equal(t, uint64(1048576), cfg.MinimumFreeBytes)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
