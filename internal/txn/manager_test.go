package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/blockstore"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/catalog"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/journal"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/opcodec"
)

type fixture struct {
	store       *blockstore.Store
	jrnl        *journal.Journal
	mgr         *Manager
	blockPath   string
	journalPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	dir := t.TempDir()

	blockPath := filepath.Join(dir, "blocks.lgdb")
	store, err := blockstore.Open(blockstore.Config{Path: blockPath, Name: "txn-test", Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	journalPath := filepath.Join(dir, "journal.lgwal")
	jrnl, err := journal.Open(journal.Config{Path: journalPath, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	return &fixture{
		store:       store,
		jrnl:        jrnl,
		mgr:         NewManager(Config{Store: store, Journal: jrnl, Logger: log}),
		blockPath:   blockPath,
		journalPath: journalPath,
	}
}

func insertOp(collection, data string) *opcodec.Op {
	return &opcodec.Op{
		Type:       journal.OpDocumentInsert,
		Collection: collection,
		Data:       []byte(data),
	}
}

func (fx *fixture) insertCommitted(t *testing.T, collection, data string) uint64 {
	t.Helper()
	tx, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	id, err := fx.mgr.Apply(tx, insertOp(collection, data))
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Commit(tx))
	return id
}

func TestBeginConflictFailsFast(t *testing.T) {
	fx := newFixture(t)

	w1, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)

	_, err = fx.mgr.Begin(ReadWrite)
	assert.ErrorIs(t, err, ErrConflict)

	// Readers overlap freely with the writer.
	r, err := fx.mgr.Begin(ReadOnly)
	require.NoError(t, err)
	fx.mgr.Abort(r)

	fx.mgr.Abort(w1)
	w2, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	fx.mgr.Abort(w2)
}

func TestReadOnlyRejectsMutations(t *testing.T) {
	fx := newFixture(t)

	tx, err := fx.mgr.Begin(ReadOnly)
	require.NoError(t, err)
	defer fx.mgr.Abort(tx)

	_, err = fx.mgr.Apply(tx, insertOp("users", `{"name":"ada"}`))
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, fx.mgr.UpdateBlock(tx, 1, []byte("x")), ErrReadOnly)
	assert.ErrorIs(t, fx.mgr.DeleteBlock(tx, 1), ErrReadOnly)
}

func TestCommitMakesInsertDurable(t *testing.T) {
	fx := newFixture(t)

	headID := fx.insertCommitted(t, "users", `{"name":"ada"}`)
	require.NotZero(t, headID)

	blk, err := fx.store.Read(headID)
	require.NoError(t, err)
	assert.Equal(t, blockstore.TypeDocument, blk.Header.Type)
	data, err := blk.Data()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ada"`)

	c, err := catalog.Find(fx.store, "users")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.DocumentCount)
	assert.Equal(t, headID, c.HeadBlock)

	// Every appended entry carries the committed flag.
	entries, err := fx.jrnl.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Flags.Has(journal.FlagCommitted))
	}
	assert.Equal(t, fx.jrnl.Head(), fx.store.Superblock().JournalHead)
}

func TestAbortLeavesFilesUntouched(t *testing.T) {
	fx := newFixture(t)
	fx.insertCommitted(t, "users", `{"name":"ada"}`)
	require.NoError(t, fx.store.Sync())
	require.NoError(t, fx.jrnl.Sync())

	blocksBefore, err := os.ReadFile(fx.blockPath)
	require.NoError(t, err)
	journalBefore, err := os.ReadFile(fx.journalPath)
	require.NoError(t, err)

	tx, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	_, err = fx.mgr.Apply(tx, insertOp("users", `{"name":"grace"}`))
	require.NoError(t, err)
	_, err = fx.mgr.Apply(tx, insertOp("ships", `{"name":"argo"}`))
	require.NoError(t, err)
	fx.mgr.Abort(tx)

	blocksAfter, err := os.ReadFile(fx.blockPath)
	require.NoError(t, err)
	journalAfter, err := os.ReadFile(fx.journalPath)
	require.NoError(t, err)
	assert.Equal(t, blocksBefore, blocksAfter)
	assert.Equal(t, journalBefore, journalAfter)
}

func TestAbortIsIdempotentAndFinal(t *testing.T) {
	fx := newFixture(t)

	tx, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	fx.mgr.Abort(tx)
	fx.mgr.Abort(tx)
	assert.Equal(t, Aborted, tx.State())

	err = fx.mgr.Commit(tx)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestUpdateRewritesRecordBody(t *testing.T) {
	fx := newFixture(t)
	headID := fx.insertCommitted(t, "users", `{"name":"ada"}`)

	tx, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	_, err = fx.mgr.Apply(tx, &opcodec.Op{
		Type:    journal.OpDocumentUpdate,
		BlockID: headID,
		Data:    []byte(`{"name":"grace"}`),
	})
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Commit(tx))

	blk, err := fx.store.Read(headID)
	require.NoError(t, err)
	data, err := blk.Data()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"grace"`)
	assert.NotContains(t, string(data), `"ada"`)
	// The record keeps its generated id across updates.
	assert.NotEmpty(t, catalog.RecordID(data))
}

func TestDeleteFreesBlockAndDecrementsCount(t *testing.T) {
	fx := newFixture(t)
	headID := fx.insertCommitted(t, "users", `{"name":"ada"}`)

	tx, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	_, err = fx.mgr.Apply(tx, &opcodec.Op{Type: journal.OpDocumentDelete, BlockID: headID})
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Commit(tx))

	blk, err := fx.store.Read(headID)
	require.NoError(t, err)
	assert.True(t, blk.Header.Flags.Has(blockstore.FlagDeleted))

	c, err := catalog.Find(fx.store, "users")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.DocumentCount)
}

func TestCollectionCreateConflictsWithExisting(t *testing.T) {
	fx := newFixture(t)
	fx.insertCommitted(t, "users", `{"name":"ada"}`)

	tx, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	defer fx.mgr.Abort(tx)
	_, err = fx.mgr.Apply(tx, &opcodec.Op{Type: journal.OpCollectionCreate, Collection: "users"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestOwnStagedWritesAreVisible(t *testing.T) {
	fx := newFixture(t)

	tx, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	defer fx.mgr.Abort(tx)

	id, err := fx.mgr.Apply(tx, insertOp("users", `{"name":"ada"}`))
	require.NoError(t, err)

	img, err := tx.ReadBlock(id)
	require.NoError(t, err)
	assert.Contains(t, string(img.Data), `"ada"`)

	// Not yet committed: invisible outside the transaction.
	_, err = fx.store.Read(id)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestReadOnlySnapshotIgnoresLaterCommits(t *testing.T) {
	fx := newFixture(t)
	headID := fx.insertCommitted(t, "users", `{"name":"ada"}`)

	reader, err := fx.mgr.Begin(ReadOnly)
	require.NoError(t, err)
	defer fx.mgr.Abort(reader)

	tx, err := fx.mgr.Begin(ReadWrite)
	require.NoError(t, err)
	_, err = fx.mgr.Apply(tx, &opcodec.Op{
		Type:    journal.OpDocumentUpdate,
		BlockID: headID,
		Data:    []byte(`{"name":"grace"}`),
	})
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Commit(tx))

	// The open reader still observes the pre-update contents.
	img, err := reader.ReadBlock(headID)
	require.NoError(t, err)
	assert.Contains(t, string(img.Data), `"ada"`)

	// A reader begun after the commit sees the new contents.
	later, err := fx.mgr.Begin(ReadOnly)
	require.NoError(t, err)
	defer fx.mgr.Abort(later)
	img, err = later.ReadBlock(headID)
	require.NoError(t, err)
	assert.Contains(t, string(img.Data), `"grace"`)
}

// Reproduces the on-disk state midway through a commit that failed after
// the durability boundary: entry appended and synced, block rewritten,
// committed flag not yet set. A reader begun before the commit must still
// observe its snapshot, served from the entry's inverse payload.
func TestReaderNeverSeesUnfinalizedCommitData(t *testing.T) {
	fx := newFixture(t)
	headID := fx.insertCommitted(t, "users", `{"name":"ada"}`)

	reader, err := fx.mgr.Begin(ReadOnly)
	require.NoError(t, err)
	defer fx.mgr.Abort(reader)

	blk, err := fx.store.Read(headID)
	require.NoError(t, err)
	prior, err := blockstore.ImageOf(blk)
	require.NoError(t, err)

	updated := *prior
	updated.Data = catalog.RewriteRecordData(prior.Data, []byte(`{"name":"grace"}`))
	e := &journal.Entry{
		Op:            journal.OpDocumentUpdate,
		AffectedBlock: headID,
		Forward:       updated.MarshalBinary(),
		Inverse:       prior.MarshalBinary(),
	}
	_, err = fx.jrnl.Append(e)
	require.NoError(t, err)
	require.NoError(t, fx.jrnl.Sync())
	_, err = fx.store.Write(headID, updated.Type, updated.Data, e.Sequence, updated.PrevBlock, updated.Chained)
	require.NoError(t, err)

	img, err := reader.ReadBlock(headID)
	require.NoError(t, err)
	assert.Contains(t, string(img.Data), `"ada"`)
	assert.NotContains(t, string(img.Data), `"grace"`)
}

// Snapshot reads serialize against the commit critical section: a reader
// polling a block while a writer commits repeatedly can only ever observe
// its snapshot contents, never an intermediate commit phase.
func TestSnapshotReadsSerializeWithCommits(t *testing.T) {
	fx := newFixture(t)
	headID := fx.insertCommitted(t, "users", `{"name":"ada"}`)

	reader, err := fx.mgr.Begin(ReadOnly)
	require.NoError(t, err)
	defer fx.mgr.Abort(reader)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			img, err := reader.ReadBlock(headID)
			if err != nil {
				t.Errorf("snapshot read failed: %v", err)
				return
			}
			if !strings.Contains(string(img.Data), `"ada"`) {
				t.Errorf("snapshot read observed %s", img.Data)
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		tx, err := fx.mgr.Begin(ReadWrite)
		require.NoError(t, err)
		_, err = fx.mgr.Apply(tx, &opcodec.Op{
			Type:    journal.OpDocumentUpdate,
			BlockID: headID,
			Data:    []byte(fmt.Sprintf(`{"name":"rev%d"}`, i)),
		})
		require.NoError(t, err)
		require.NoError(t, fx.mgr.Commit(tx))
	}
	wg.Wait()
}

func TestSnapshotHidesBlocksCreatedLater(t *testing.T) {
	fx := newFixture(t)
	fx.insertCommitted(t, "users", `{"name":"ada"}`)

	reader, err := fx.mgr.Begin(ReadOnly)
	require.NoError(t, err)
	defer fx.mgr.Abort(reader)

	newID := fx.insertCommitted(t, "users", `{"name":"grace"}`)

	_, err = reader.ReadBlock(newID)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestChainedInsertSpansOverflowBlocks(t *testing.T) {
	fx := newFixture(t)

	big := make([]byte, 2*blockstore.MaxPayload)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	headID := fx.insertCommitted(t, "docs", `{"body":"`+string(big)+`"}`)

	head, err := fx.store.Read(headID)
	require.NoError(t, err)
	assert.True(t, head.Header.Flags.Has(blockstore.FlagChained))

	full, err := catalog.AssembleChain(fx.store, head)
	require.NoError(t, err)
	assert.Contains(t, string(full), string(big))
}
