// Package lithoglyph is the durable storage core of a document/graph
// database: a fixed-size block store under an append-only write-ahead
// journal, coordinated by a transaction manager that enforces
// journal-before-data ordering and recovers by replay on open. Higher
// layers (query execution, migration, replication) are clients of this
// package's narrow operation surface and inherit its guarantees.
package lithoglyph

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/blockstore"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/catalog"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/journal"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/opcodec"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/recovery"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/txn"
	"github.com/hyperpolymath/lithoglyph-sub002/pkg/status"
)

const (
	blockFileName   = "blocks.lgdb"
	journalFileName = "journal.lgwal"
)

// Mode selects what a transaction may do.
type Mode = txn.Mode

const (
	ReadOnly  = txn.ReadOnly
	ReadWrite = txn.ReadWrite
)

// DB is a database handle. The block file, journal file and allocation
// counters are owned exclusively by this handle; multiple databases can
// coexist in one process.
type DB struct {
	log    *logrus.Logger
	store  *blockstore.Store
	jrnl   *journal.Journal
	mgr    *txn.Manager
	config Config
	closed bool
}

// Open opens or creates the database rooted at cfg.Path, running crash
// recovery before returning. An unreadable superblock is fatal and
// surfaces as a Corruption status.
func Open(cfg Config) (*DB, error) {
	cfg.withDefaults()
	log := cfg.Logger

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, translate(err)
	}
	if cfg.MinimumFreeBytes > 0 {
		usage, err := disk.Usage(cfg.Path)
		if err != nil {
			log.WithError(err).Warn("cannot determine free disk space")
		} else if usage.Free < cfg.MinimumFreeBytes {
			return nil, status.Errorf(status.OutOfMemory,
				"free space %d below required minimum %d", usage.Free, cfg.MinimumFreeBytes)
		}
	}

	store, err := blockstore.Open(blockstore.Config{
		Path:   filepath.Join(cfg.Path, blockFileName),
		Name:   cfg.Name,
		Logger: log,
	})
	if err != nil {
		return nil, translate(err)
	}

	jrnl, err := journal.Open(journal.Config{
		Path:   filepath.Join(cfg.Path, journalFileName),
		Logger: log,
	})
	if err != nil {
		store.Close()
		return nil, translate(err)
	}

	if err := recovery.Run(recovery.Config{Store: store, Journal: jrnl, Logger: log}); err != nil {
		jrnl.Close()
		store.Close()
		return nil, translate(err)
	}

	db := &DB{
		log:    log,
		store:  store,
		jrnl:   jrnl,
		mgr:    txn.NewManager(txn.Config{Store: store, Journal: jrnl, Logger: log}),
		config: cfg,
	}
	log.WithFields(logrus.Fields{
		"path": cfg.Path,
		"uuid": store.Superblock().UUID,
		"name": store.Superblock().Name,
	}).Info("database open")
	return db, nil
}

// Close force-aborts any live transactions, flushes and closes the
// database. The handle is invalid afterwards.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	db.mgr.ForceAbortAll()
	if err := db.store.FlushSuperblock(); err != nil {
		db.log.WithError(err).Warn("superblock flush on close failed")
	}
	var firstErr error
	if err := db.store.Sync(); err != nil {
		firstErr = err
	}
	if err := db.jrnl.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.jrnl.Close()
	db.store.Close()
	return translate(firstErr)
}

// Begin starts a transaction. At most one read-write transaction may be
// active at a time; a conflicting Begin fails fast with a Conflict
// status. Read-only transactions observe a consistent snapshot as of
// their begin time.
func (db *DB) Begin(mode Mode) (*Transaction, error) {
	if db.closed {
		return nil, status.Errorf(status.InvalidArgument, "database is closed")
	}
	inner, err := db.mgr.Begin(mode)
	if err != nil {
		return nil, translate(err)
	}
	return &Transaction{db: db, inner: inner}, nil
}

// Checkpoint writes a journal checkpoint and persists it in the
// superblock, bounding future recovery scans.
func (db *DB) Checkpoint() (uint64, error) {
	if db.closed {
		return 0, status.Errorf(status.InvalidArgument, "database is closed")
	}
	seq, err := db.jrnl.WriteCheckpoint()
	if err != nil {
		return 0, translate(err)
	}
	db.store.SetLastCheckpoint(seq)
	db.store.SetJournalHead(db.jrnl.Head())
	if err := db.store.FlushSuperblock(); err != nil {
		return 0, translate(err)
	}
	if err := db.store.Sync(); err != nil {
		return 0, translate(err)
	}
	return seq, nil
}

// ReadBlocks returns a serialized list of all live blocks of the given
// type, payloads base64-encoded.
func (db *DB) ReadBlocks(blockType string) ([]byte, error) {
	if db.closed {
		return nil, status.Errorf(status.InvalidArgument, "database is closed")
	}
	typ, err := blockstore.ParseBlockType(blockType)
	if err != nil {
		return nil, status.Errorf(status.InvalidArgument, "%v", err)
	}
	blks, err := db.store.ScanType(typ)
	if err != nil {
		return nil, translate(err)
	}

	out := "[]"
	for i, blk := range blks {
		data, err := blk.Data()
		if err != nil {
			return nil, translate(err)
		}
		prefix := fmt.Sprintf("%d.", i)
		out, _ = sjson.Set(out, prefix+"id", blk.Header.ID)
		out, _ = sjson.Set(out, prefix+"type", blk.Header.Type.String())
		out, _ = sjson.Set(out, prefix+"sequence", blk.Header.Sequence)
		out, _ = sjson.Set(out, prefix+"created", blk.Header.Created)
		out, _ = sjson.Set(out, prefix+"modified", blk.Header.Modified)
		out, _ = sjson.Set(out, prefix+"previous_block", blk.Header.PrevBlock)
		out, _ = sjson.Set(out, prefix+"chained", blk.Header.Flags.Has(blockstore.FlagChained))
		out, _ = sjson.Set(out, prefix+"payload", base64.StdEncoding.EncodeToString(data))
	}
	return []byte(out), nil
}

// Schema returns the serialized collection registry: one entry per live
// collection with its counts and schema link.
func (db *DB) Schema() ([]byte, error) {
	if db.closed {
		return nil, status.Errorf(status.InvalidArgument, "database is closed")
	}
	cols, err := catalog.Load(db.store)
	if err != nil {
		return nil, translate(err)
	}
	out := "[]"
	for i, c := range cols {
		prefix := fmt.Sprintf("%d.", i)
		out, _ = sjson.Set(out, prefix+"name", c.Name)
		out, _ = sjson.Set(out, prefix+"uuid", c.UUID)
		out, _ = sjson.Set(out, prefix+"block_id", c.BlockID)
		out, _ = sjson.Set(out, prefix+"head_block", c.HeadBlock)
		out, _ = sjson.Set(out, prefix+"document_count", c.DocumentCount)
		out, _ = sjson.Set(out, prefix+"edge_count", c.EdgeCount)
		out, _ = sjson.Set(out, prefix+"schema_block", c.SchemaBlock)
	}
	return []byte(out), nil
}

// JournalEntries returns the serialized list of committed journal entries
// with sequence greater than sinceSeq.
func (db *DB) JournalEntries(sinceSeq uint64) ([]byte, error) {
	if db.closed {
		return nil, status.Errorf(status.InvalidArgument, "database is closed")
	}
	entries, err := db.jrnl.Entries(sinceSeq)
	if err != nil {
		return nil, translate(err)
	}
	out := "[]"
	i := 0
	for _, e := range entries {
		if e.Flags.Has(journal.FlagCheckpoint) {
			continue // checkpoints are recovery markers, not mutation history
		}
		prefix := fmt.Sprintf("%d.", i)
		i++
		out, _ = sjson.Set(out, prefix+"sequence", e.Sequence)
		out, _ = sjson.Set(out, prefix+"timestamp", e.Timestamp)
		out, _ = sjson.Set(out, prefix+"op", e.Op.String())
		out, _ = sjson.Set(out, prefix+"affected_block", e.AffectedBlock)
		out, _ = sjson.Set(out, prefix+"committed", e.Flags.Has(journal.FlagCommitted))
		out, _ = sjson.Set(out, prefix+"checkpoint", e.Flags.Has(journal.FlagCheckpoint))
		out, _ = sjson.Set(out, prefix+"irreversible", e.Flags.Has(journal.FlagIrreversible))
		if p := opcodec.DecodeProvenance(e.Provenance); p.Actor != "" || p.Reason != "" {
			out, _ = sjson.Set(out, prefix+"provenance.actor", p.Actor)
			out, _ = sjson.Set(out, prefix+"provenance.reason", p.Reason)
		}
	}
	return []byte(out), nil
}

// Superblock exposes a copy of the root metadata for introspection.
func (db *DB) Superblock() blockstore.Superblock {
	return db.store.Superblock()
}

// translate maps internal errors onto the closed status enum crossing
// the boundary. Internal detail beyond the diagnostic string never leaks.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, blockstore.ErrNotFound), errors.Is(err, catalog.ErrNoCollection):
		return status.Wrap(status.NotFound, err)
	case errors.Is(err, blockstore.ErrCorrupt), errors.Is(err, journal.ErrCorruptHeader):
		return status.Wrap(status.Corruption, err)
	case errors.Is(err, blockstore.ErrOversized), errors.Is(err, opcodec.ErrParseFailed):
		return status.Wrap(status.InvalidArgument, err)
	case errors.Is(err, txn.ErrConflict):
		return status.Wrap(status.Conflict, err)
	case errors.Is(err, txn.ErrReadOnly):
		return status.Wrap(status.PermissionDenied, err)
	case errors.Is(err, txn.ErrInvalidHandle):
		return status.Wrap(status.InvalidArgument, err)
	case errors.Is(err, txn.ErrAlreadyExists):
		return status.Wrap(status.AlreadyExists, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return status.Wrap(status.IOError, err)
	}
	var syscallHint *fs.PathError
	if errors.As(err, &syscallHint) {
		return status.Wrap(status.IOError, err)
	}
	return status.Wrap(status.Internal, err)
}
