package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/blockstore"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/catalog"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/journal"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/opcodec"
)

// Config carries the manager's collaborators.
type Config struct {
	Store   *blockstore.Store
	Journal *journal.Journal
	Logger  *logrus.Logger
}

// Manager owns the transaction lifecycle and is the only component
// allowed to mutate the block store, the journal and the superblock
// counters. It enforces at most one active read-write transaction;
// a conflicting Begin fails fast with ErrConflict rather than queueing.
type Manager struct {
	mu            sync.Mutex
	log           *logrus.Logger
	store         *blockstore.Store
	jrnl          *journal.Journal
	writer        *Transaction // the single active read-write txn, if any
	readers       map[*Transaction]bool
	lastCommitted uint64
}

// NewManager builds a manager over an opened store and journal. The
// committed watermark starts at the superblock's journal head: after
// recovery, every surviving entry at or below it is committed.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		log:           cfg.Logger,
		store:         cfg.Store,
		jrnl:          cfg.Journal,
		readers:       make(map[*Transaction]bool),
		lastCommitted: cfg.Store.Superblock().JournalHead,
	}
}

// Begin allocates a transaction in the Active state. Read-only
// transactions may overlap freely; a second read-write transaction fails
// with ErrConflict.
func (m *Manager) Begin(mode Mode) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == ReadWrite && m.writer != nil {
		return nil, ErrConflict
	}
	t := &Transaction{
		mgr:       m,
		mode:      mode,
		state:     Active,
		snapshot:  m.lastCommitted,
		writeIdx:  make(map[uint64]int),
		deleteSet: make(map[uint64]bool),
	}
	if mode == ReadWrite {
		m.writer = t
	} else {
		m.readers[t] = true
	}
	return t, nil
}

func (m *Manager) checkWritable(t *Transaction) error {
	if t.state != Active {
		return fmt.Errorf("%w: state %s", ErrInvalidHandle, t.state)
	}
	if t.mode != ReadWrite {
		return ErrReadOnly
	}
	return nil
}

// findCollection resolves a collection by name, preferring this
// transaction's staged registry entries over committed state.
func (m *Manager) findCollection(t *Transaction, name string) (*catalog.Collection, bool, error) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		if w.image.Type != blockstore.TypeCollectionMeta {
			continue
		}
		c, err := catalog.DecodeCollection(w.image.Data)
		if err != nil {
			continue
		}
		if c.Name == name {
			c.BlockID = w.blockID
			return c, true, nil
		}
	}
	c, err := catalog.Find(m.store, name)
	if err != nil {
		if errors.Is(err, catalog.ErrNoCollection) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return c, true, nil
}

// ensureCollection returns the registry entry for name, staging a fresh
// one when none exists yet.
func (m *Manager) ensureCollection(t *Transaction, name string, prov []byte) (*catalog.Collection, error) {
	c, ok, err := m.findCollection(t, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return c, nil
	}
	c = catalog.NewCollection(name)
	c.BlockID = m.store.Allocate()
	t.stageWrite(pendingWrite{
		blockID: c.BlockID,
		image:   blockstore.BlockImage{Type: blockstore.TypeCollectionMeta, Data: c.Encode()},
		op:      journal.OpCollectionCreate,
		prov:    prov,
	})
	return c, nil
}

// stageCollection restages an updated registry entry.
func (t *Transaction) stageCollection(c *catalog.Collection, op journal.OpType, prov []byte) {
	t.stageWrite(pendingWrite{
		blockID: c.BlockID,
		image:   blockstore.BlockImage{Type: blockstore.TypeCollectionMeta, Data: c.Encode()},
		op:      op,
		prov:    prov,
	})
}

// stageChained splits a logical payload across a head block and as many
// overflow blocks as needed. The head's previous-block-id links to the
// owning collection; each overflow chunk links to the chunk before it.
func (m *Manager) stageChained(t *Transaction, headType blockstore.BlockType, ownerBlock uint64, payload []byte, op journal.OpType, prov []byte) uint64 {
	chunk := payload
	var rest []byte
	if len(chunk) > blockstore.MaxPayload {
		chunk, rest = payload[:blockstore.MaxPayload], payload[blockstore.MaxPayload:]
	}

	headID := m.store.Allocate()
	t.stageWrite(pendingWrite{
		blockID: headID,
		image: blockstore.BlockImage{
			Type:      headType,
			PrevBlock: ownerBlock,
			Chained:   len(rest) > 0,
			Data:      chunk,
		},
		op:   op,
		prov: prov,
	})

	prev := headID
	for len(rest) > 0 {
		chunk = rest
		if len(chunk) > blockstore.MaxPayload {
			chunk, rest = rest[:blockstore.MaxPayload], rest[blockstore.MaxPayload:]
		} else {
			rest = nil
		}
		id := m.store.Allocate()
		t.stageWrite(pendingWrite{
			blockID: id,
			image: blockstore.BlockImage{
				Type:      blockstore.TypeDocumentOverflow,
				PrevBlock: prev,
				Chained:   true,
				Data:      chunk,
			},
			op:   op,
			prov: prov,
		})
		prev = id
	}
	return headID
}

// Apply stages one decoded operation and returns the assigned block id of
// its primary effect. No disk I/O happens here.
func (m *Manager) Apply(t *Transaction, op *opcodec.Op) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(t); err != nil {
		return 0, err
	}
	prov := op.Provenance.Encode()

	switch op.Type {
	case journal.OpDocumentInsert:
		c, err := m.ensureCollection(t, op.Collection, prov)
		if err != nil {
			return 0, err
		}
		payload := catalog.EncodeDocument(catalog.NewRecordID(), op.Collection, op.Data)
		headID := m.stageChained(t, op.Type.BlockTypeFor(), c.BlockID, payload, op.Type, prov)
		c.DocumentCount++
		c.HeadBlock = headID
		t.stageCollection(c, op.Type, prov)
		return headID, nil

	case journal.OpEdgeInsert:
		c, err := m.ensureCollection(t, op.Collection, prov)
		if err != nil {
			return 0, err
		}
		payload := catalog.EncodeEdge(catalog.NewRecordID(), op.Collection, op.From, op.To, op.Data)
		headID := m.stageChained(t, op.Type.BlockTypeFor(), c.BlockID, payload, op.Type, prov)
		c.EdgeCount++
		t.stageCollection(c, op.Type, prov)
		return headID, nil

	case journal.OpDocumentUpdate, journal.OpDocumentReplace, journal.OpEdgeUpdate:
		img, err := m.imageFor(t, op.BlockID)
		if err != nil {
			return 0, err
		}
		payload := catalog.RewriteRecordData(img.Data, op.Data)
		if len(payload) > blockstore.MaxPayload {
			return 0, fmt.Errorf("%w: updated record is %d bytes", blockstore.ErrOversized, len(payload))
		}
		updated := *img
		updated.Data = payload
		updated.Chained = false // overflow chunks are orphaned until compaction
		t.stageWrite(pendingWrite{blockID: op.BlockID, image: updated, op: op.Type, prov: prov})
		return op.BlockID, nil

	case journal.OpDocumentDelete, journal.OpEdgeDelete:
		img, err := m.imageFor(t, op.BlockID)
		if err != nil {
			return 0, err
		}
		if t.deleteSet[op.BlockID] {
			return op.BlockID, nil
		}
		t.deletes = append(t.deletes, pendingDelete{blockID: op.BlockID, op: op.Type, prov: prov})
		t.deleteSet[op.BlockID] = true
		m.decrementOwner(t, img, op.Type, prov)
		return op.BlockID, nil

	case journal.OpConstraintDrop, journal.OpIndexDrop:
		if _, err := m.imageFor(t, op.BlockID); err != nil {
			return 0, err
		}
		if !t.deleteSet[op.BlockID] {
			t.deletes = append(t.deletes, pendingDelete{blockID: op.BlockID, op: op.Type, prov: prov})
			t.deleteSet[op.BlockID] = true
		}
		return op.BlockID, nil

	case journal.OpCollectionCreate:
		if _, ok, err := m.findCollection(t, op.Collection); err != nil {
			return 0, err
		} else if ok {
			return 0, fmt.Errorf("%w: %q", ErrAlreadyExists, op.Collection)
		}
		c, err := m.ensureCollection(t, op.Collection, prov)
		if err != nil {
			return 0, err
		}
		return c.BlockID, nil

	case journal.OpCollectionDrop:
		c, ok, err := m.findCollection(t, op.Collection)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: %q", catalog.ErrNoCollection, op.Collection)
		}
		t.deletes = append(t.deletes, pendingDelete{blockID: c.BlockID, op: op.Type, prov: prov})
		t.deleteSet[c.BlockID] = true
		return c.BlockID, nil

	case journal.OpSchemaCreate, journal.OpSchemaAlter:
		c, err := m.ensureCollection(t, op.Collection, prov)
		if err != nil {
			return 0, err
		}
		schemaID := m.stageChained(t, op.Type.BlockTypeFor(), c.BlockID, op.Data, op.Type, prov)
		c.SchemaBlock = schemaID
		t.stageCollection(c, op.Type, prov)
		return schemaID, nil

	case journal.OpConstraintAdd:
		c, err := m.ensureCollection(t, op.Collection, prov)
		if err != nil {
			return 0, err
		}
		return m.stageChained(t, op.Type.BlockTypeFor(), c.BlockID, op.Data, op.Type, prov), nil

	case journal.OpIndexCreate:
		c, err := m.ensureCollection(t, op.Collection, prov)
		if err != nil {
			return 0, err
		}
		return m.stageChained(t, op.Type.BlockTypeFor(), c.BlockID, op.Data, op.Type, prov), nil

	case journal.OpMigrationStart, journal.OpMigrationStep, journal.OpMigrationRollback:
		return m.stageChained(t, op.Type.BlockTypeFor(), 0, op.Data, op.Type, prov), nil

	case journal.OpMigrationComplete, journal.OpIrreversibleMarker:
		// Irreversible operations carry no inverse by definition.
		id := m.store.Allocate()
		t.stageWrite(pendingWrite{
			blockID: id,
			image:   blockstore.BlockImage{Type: op.Type.BlockTypeFor(), Data: op.Data},
			op:      op.Type,
			prov:    prov,
			flags:   journal.FlagIrreversible,
		})
		return id, nil
	}
	return 0, fmt.Errorf("%w: unsupported operation %s", opcodec.ErrParseFailed, op.Type)
}

// imageFor returns the transaction's view of a block: its own staged
// image if present, otherwise the committed contents.
func (m *Manager) imageFor(t *Transaction, blockID uint64) (*blockstore.BlockImage, error) {
	if img, ok := t.pendingImage(blockID); ok {
		return img, nil
	}
	blk, err := m.store.Read(blockID)
	if err != nil {
		return nil, err
	}
	return blockstore.ImageOf(blk)
}

// decrementOwner adjusts the owning collection's record count when a
// document or edge head block is deleted.
func (m *Manager) decrementOwner(t *Transaction, img *blockstore.BlockImage, op journal.OpType, prov []byte) {
	if img.PrevBlock == 0 || (img.Type != blockstore.TypeDocument && img.Type != blockstore.TypeEdge) {
		return
	}
	meta, err := m.imageFor(t, img.PrevBlock)
	if err != nil || meta.Type != blockstore.TypeCollectionMeta {
		return
	}
	c, err := catalog.DecodeCollection(meta.Data)
	if err != nil {
		return
	}
	c.BlockID = img.PrevBlock
	if img.Type == blockstore.TypeDocument && c.DocumentCount > 0 {
		c.DocumentCount--
	}
	if img.Type == blockstore.TypeEdge && c.EdgeCount > 0 {
		c.EdgeCount--
	}
	t.stageCollection(c, op, prov)
}

// UpdateBlock stages new contents for an existing block, preserving its
// type and chain links.
func (m *Manager) UpdateBlock(t *Transaction, blockID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(t); err != nil {
		return err
	}
	if len(data) > blockstore.MaxPayload {
		return fmt.Errorf("%w: %d bytes", blockstore.ErrOversized, len(data))
	}
	img, err := m.imageFor(t, blockID)
	if err != nil {
		return err
	}
	updated := *img
	updated.Data = data
	t.stageWrite(pendingWrite{
		blockID: blockID,
		image:   updated,
		op:      journal.OpDocumentUpdate,
		prov:    nil,
	})
	return nil
}

// DeleteBlock stages a soft deletion of an existing block.
func (m *Manager) DeleteBlock(t *Transaction, blockID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(t); err != nil {
		return err
	}
	if _, staged := t.pendingImage(blockID); !staged {
		if _, err := m.store.Read(blockID); err != nil {
			return err
		}
	}
	if t.deleteSet[blockID] {
		return nil
	}
	t.deletes = append(t.deletes, pendingDelete{blockID: blockID, op: journal.OpDocumentDelete})
	t.deleteSet[blockID] = true
	return nil
}

// Commit drives the six-phase write-ahead protocol:
//
//	1. journal append   — one entry per pending write/delete
//	2. journal sync     — the durability boundary
//	3. block writes
//	4. deletion processing
//	5. superblock flush
//	6. final sync
//
// then marks the appended entries committed. A failure after phase 2
// reports the transaction failed, but the journal entries survive and
// recovery re-drives them on the next open; replay is idempotent, so
// re-applying an already-applied write is safe.
func (m *Manager) Commit(t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.state != Active {
		return fmt.Errorf("%w: state %s", ErrInvalidHandle, t.state)
	}
	if t.mode == ReadOnly {
		t.state = Committed
		delete(m.readers, t)
		return nil
	}

	t.state = Committing
	defer func() {
		m.writer = nil
	}()

	// Phase 1: journal append. Inverse payloads capture prior contents;
	// a fresh allocation has an empty inverse. Within the transaction a
	// block rewritten twice chains inverses through the staged images.
	seqs := make([]uint64, 0, len(t.writes)+len(t.deletes))
	lastImage := make(map[uint64][]byte)
	writeSeqs := make([]uint64, len(t.writes))

	// Failures before the durability boundary mark the appended entries
	// rolled back so replay never re-drives a transaction that was
	// reported failed while still undetermined.
	preSyncFail := func(phase int, err error) error {
		t.state = Aborted
		for _, seq := range seqs {
			if rbErr := m.jrnl.MarkRolledBack(seq); rbErr != nil {
				m.log.WithError(rbErr).WithField("sequence", seq).Warn("could not mark entry rolled back")
			}
		}
		return fmt.Errorf("commit phase %d: %w", phase, err)
	}

	inverseOf := func(blockID uint64) []byte {
		if img, ok := lastImage[blockID]; ok {
			return img
		}
		blk, err := m.store.Read(blockID)
		if err != nil {
			return nil // fresh allocation or unreadable: no inverse
		}
		prior, err := blockstore.ImageOf(blk)
		if err != nil {
			return nil
		}
		return prior.MarshalBinary()
	}

	for i := range t.writes {
		w := &t.writes[i]
		forward := w.image.MarshalBinary()
		var inverse []byte
		if !w.flags.Has(journal.FlagIrreversible) {
			inverse = inverseOf(w.blockID)
		}
		e := &journal.Entry{
			Op:            w.op,
			Flags:         w.flags,
			AffectedBlock: w.blockID,
			Forward:       forward,
			Inverse:       inverse,
			Provenance:    w.prov,
		}
		if _, err := m.jrnl.Append(e); err != nil {
			return preSyncFail(1, err)
		}
		lastImage[w.blockID] = forward
		writeSeqs[i] = e.Sequence
		seqs = append(seqs, e.Sequence)
	}
	deleteSeqs := make([]uint64, len(t.deletes))
	for i, d := range t.deletes {
		e := &journal.Entry{
			Op:            d.op,
			AffectedBlock: d.blockID,
			Forward:       nil, // delete marker
			Inverse:       inverseOf(d.blockID),
			Provenance:    d.prov,
		}
		if _, err := m.jrnl.Append(e); err != nil {
			return preSyncFail(1, err)
		}
		deleteSeqs[i] = e.Sequence
		seqs = append(seqs, e.Sequence)
	}

	// Phase 2: journal sync. Past this point the transaction's intent is
	// durable; failures below leave recovery to finish the job.
	if err := m.jrnl.Sync(); err != nil {
		return preSyncFail(2, err)
	}

	fail := func(phase int, err error) error {
		t.state = Aborted
		m.log.WithError(err).WithField("phase", phase).Error("commit failed after durability point; recovery will re-drive the journal")
		return fmt.Errorf("commit phase %d: %w", phase, err)
	}

	// Phase 3: block writes, in apply order.
	for i := range t.writes {
		w := &t.writes[i]
		if _, err := m.store.Write(w.blockID, w.image.Type, w.image.Data, writeSeqs[i], w.image.PrevBlock, w.image.Chained); err != nil {
			return fail(3, err)
		}
	}

	// Phase 4: deletion processing.
	for i, d := range t.deletes {
		if err := m.store.Free(d.blockID, deleteSeqs[i]); err != nil {
			return fail(4, err)
		}
	}

	// Phase 5: superblock flush.
	m.store.SetJournalHead(m.jrnl.Head())
	if err := m.store.FlushSuperblock(); err != nil {
		return fail(5, err)
	}

	// Phase 6: final sync.
	if err := m.store.Sync(); err != nil {
		return fail(6, err)
	}

	for _, seq := range seqs {
		if err := m.jrnl.MarkCommitted(seq); err != nil {
			return fail(6, err)
		}
	}

	if len(seqs) > 0 {
		m.lastCommitted = seqs[len(seqs)-1]
	}
	t.state = Committed
	return nil
}

// Abort discards the transaction's buffers. It is idempotent and never
// fails: aborting an already-terminated transaction is a no-op, so
// cleanup paths can always call it defensively.
func (m *Manager) Abort(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortLocked(t)
}

func (m *Manager) abortLocked(t *Transaction) {
	if t.state != Active {
		return
	}
	t.state = Aborted
	t.writes = nil
	t.writeIdx = nil
	t.deletes = nil
	t.deleteSet = nil
	if m.writer == t {
		m.writer = nil
	}
	delete(m.readers, t)
}

// ForceAbortAll aborts every live transaction; called when the database
// handle closes with transactions still open.
func (m *Manager) ForceAbortAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil {
		m.log.WithField("state", m.writer.state).Warn("force-aborting active read-write transaction on close")
		m.abortLocked(m.writer)
	}
	for t := range m.readers {
		m.abortLocked(t)
	}
}

// LastCommitted returns the committed sequence watermark.
func (m *Manager) LastCommitted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommitted
}

// readAt serves a block as of the given snapshot sequence. It holds the
// manager lock so snapshot reads serialize against the commit critical
// section: a reader can never observe the window between a block write
// and the committed-flag flips. Blocks modified after the snapshot are
// reconstructed from the inverse payload of the earliest later journal
// entry touching them; an empty inverse means the block did not exist at
// the snapshot.
func (m *Manager) readAt(blockID uint64, snapshot uint64) (*blockstore.BlockImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blk, err := m.store.Read(blockID)
	switch {
	case err == nil && blk.Header.Sequence <= snapshot:
		if blk.Header.Flags.Has(blockstore.FlagDeleted) {
			return nil, fmt.Errorf("%w: id %d", blockstore.ErrNotFound, blockID)
		}
		return blockstore.ImageOf(blk)
	case err != nil && !errors.Is(err, blockstore.ErrNotFound):
		return nil, err
	}

	// Changed (or created) after the snapshot: consult the journal. The
	// listing includes entries durably appended but not yet finalized (a
	// commit that failed past the durability boundary); their inverses
	// still describe the pre-commit contents.
	entries, jerr := m.jrnl.EntriesSince(snapshot)
	if jerr != nil {
		return nil, jerr
	}
	for _, e := range entries {
		if e.AffectedBlock != blockID {
			continue
		}
		if len(e.Inverse) == 0 {
			return nil, fmt.Errorf("%w: id %d (not present at snapshot)", blockstore.ErrNotFound, blockID)
		}
		var img blockstore.BlockImage
		if err := img.UnmarshalBinary(e.Inverse); err != nil {
			return nil, fmt.Errorf("reconstructing block %d from journal: %w", blockID, err)
		}
		return &img, nil
	}
	if err != nil {
		return nil, err
	}
	if blk.Header.Flags.Has(blockstore.FlagDeleted) {
		return nil, fmt.Errorf("%w: id %d", blockstore.ErrNotFound, blockID)
	}
	return blockstore.ImageOf(blk)
}
