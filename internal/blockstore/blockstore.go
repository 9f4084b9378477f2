// Package blockstore implements the fixed-size block file underlying the
// database: allocation, integrity-checked reads and writes, soft deletion
// and free-list bookkeeping. It knows nothing about journaling or
// transactions; write ordering is the caller's concern.
package blockstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/compress"
)

var (
	// ErrNotFound reports an id beyond the allocated range.
	ErrNotFound = errors.New("blockstore: block not found")
	// ErrCorrupt reports a block that failed validation. Never coerced to
	// empty data; callers must distinguish it from ErrNotFound.
	ErrCorrupt = errors.New("blockstore: block corrupt")
	// ErrOversized reports a payload that cannot fit a single block.
	ErrOversized = errors.New("blockstore: payload exceeds max payload size")
)

// freeSlot is one reclaimable block id together with the journal sequence
// of the entry that freed it. A slot becomes reusable only once a
// checkpoint at or past that sequence exists, so an id referenced by an
// unreplayed journal entry is never handed out again.
type freeSlot struct {
	id       uint64
	freedSeq uint64
}

func freeSlotLess(a, b freeSlot) bool { return a.id < b.id }

// Config carries the block store's construction parameters.
type Config struct {
	Path   string
	Name   string // database name, recorded in the superblock on creation
	Logger *logrus.Logger
}

// Store is a file-backed block store. Higher-level write ordering
// (WAL-before-data) is enforced by the transaction manager, not here.
type Store struct {
	f      *os.File
	path   string
	log    *logrus.Logger
	nextID uint64
	free   *btree.BTreeG[freeSlot]
	super  Superblock
}

// Open opens or creates the block file at cfg.Path. A fresh file gets a
// superblock with a new database UUID; an existing file must present a
// valid superblock or Open fails with ErrCorrupt.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening block file: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("statting block file: %w", err)
	}

	s := &Store{
		f:    f,
		path: cfg.Path,
		log:  cfg.Logger,
		free: btree.NewG[freeSlot](8, freeSlotLess),
	}

	if st.Size() == 0 {
		s.super = Superblock{
			UUID:        uuid.New(),
			TotalBlocks: 1,
			Name:        cfg.Name,
		}
		s.nextID = 1
		if err := s.FlushSuperblock(); err != nil {
			f.Close()
			return nil, err
		}
		if err := s.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		s.log.WithFields(logrus.Fields{
			"path": cfg.Path,
			"uuid": s.super.UUID,
		}).Info("created block store")
		return s, nil
	}

	s.nextID = uint64(st.Size()) / BlockSize
	if err := s.loadSuperblock(); err != nil {
		f.Close()
		return nil, err
	}
	s.rebuildFreeList()
	return s, nil
}

func (s *Store) loadSuperblock() error {
	blk, err := s.Read(0)
	if err != nil {
		return fmt.Errorf("%w: superblock unreadable: %v", ErrCorrupt, err)
	}
	if blk.Header.Type != TypeSuperblock {
		return fmt.Errorf("%w: block 0 has type %s", ErrCorrupt, blk.Header.Type)
	}
	data, err := blk.Data()
	if err != nil {
		return fmt.Errorf("%w: superblock payload: %v", ErrCorrupt, err)
	}
	if err := s.super.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// rebuildFreeList scans for soft-deleted blocks. Blocks that fail
// validation are left out: an id we cannot prove deleted is never reused.
func (s *Store) rebuildFreeList() {
	for id := uint64(1); id < s.nextID; id++ {
		blk, err := s.Read(id)
		if err != nil {
			continue
		}
		if blk.Header.Flags.Has(FlagDeleted) {
			s.free.ReplaceOrInsert(freeSlot{id: id, freedSeq: blk.Header.Sequence})
		}
	}
}

// Allocate returns a block id for a new block: a reclaimable freed id when
// one is safely past the last checkpoint, otherwise a fresh monotonic id.
func (s *Store) Allocate() uint64 {
	var picked *freeSlot
	s.free.Ascend(func(slot freeSlot) bool {
		if slot.freedSeq <= s.super.LastCheckpoint {
			picked = &slot
			return false
		}
		return true
	})
	if picked != nil {
		s.free.Delete(*picked)
		if s.super.FreeBlocks > 0 {
			s.super.FreeBlocks--
		}
		return picked.id
	}
	id := s.nextID
	s.nextID++
	return id
}

// Read returns the block at id, or ErrNotFound past the allocated range,
// or ErrCorrupt when the stored bytes fail validation.
func (s *Store) Read(id uint64) (*Block, error) {
	if id >= s.nextID && id != 0 {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	buf := make([]byte, BlockSize)
	if _, err := s.f.ReadAt(buf, int64(id)*BlockSize); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading block %d: %w", id, err)
	}

	var blk Block
	if err := blk.Header.UnmarshalBinary(buf[:HeaderSize]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if blk.Header.PayloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: block %d payload length %d", ErrCorrupt, id, blk.Header.PayloadLen)
	}
	blk.Payload = buf[HeaderSize : HeaderSize+blk.Header.PayloadLen]
	if err := blk.Validate(); err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrCorrupt, id, err)
	}
	return &blk, nil
}

// Data returns the logical payload, transparently decompressing blocks
// that carry the compressed flag.
func (b *Block) Data() ([]byte, error) {
	if !b.Header.Flags.Has(FlagCompressed) {
		return b.Payload, nil
	}
	return compress.Decompress(b.Payload)
}

// Write stores payload into block id with the given type, chain link and
// journal sequence, recomputing the checksum atomically with the payload.
// Payloads above the compression threshold are stored lzma-compressed when
// that shrinks them. Returns the stored payload checksum.
func (s *Store) Write(id uint64, typ BlockType, payload []byte, seq uint64, prev uint64, chained bool) (uint32, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrOversized, len(payload))
	}
	stored, compressed, err := compress.Compress(payload)
	if err != nil {
		return 0, fmt.Errorf("compressing block %d: %w", id, err)
	}

	now := time.Now().UnixNano()
	hdr := Header{
		Magic:      Magic,
		Version:    FormatVersion,
		Type:       typ,
		ID:         id,
		Sequence:   seq,
		Created:    now,
		Modified:   now,
		PayloadLen: uint32(len(stored)),
		Checksum:   Checksum(stored),
		PrevBlock:  prev,
	}
	if compressed {
		hdr.Flags |= FlagCompressed
	}
	if chained {
		hdr.Flags |= FlagChained
	}

	// Preserve the creation timestamp when overwriting a live block.
	if id < s.nextID {
		if old, err := s.Read(id); err == nil {
			hdr.Created = old.Header.Created
		}
	}
	if id >= s.nextID {
		s.nextID = id + 1
	}
	if id+1 > s.super.TotalBlocks {
		s.super.TotalBlocks = id + 1
	}

	buf := make([]byte, BlockSize)
	copy(buf, hdr.MarshalBinary())
	copy(buf[HeaderSize:], stored)
	if _, err := s.f.WriteAt(buf, int64(id)*BlockSize); err != nil {
		return 0, fmt.Errorf("writing block %d: %w", id, err)
	}
	return hdr.Checksum, nil
}

// Free soft-deletes block id: the deleted flag is set, the payload stays
// in place until compaction, and the id joins the free list keyed by the
// deleting journal sequence.
func (s *Store) Free(id uint64, seq uint64) error {
	blk, err := s.Read(id)
	if err != nil {
		return err
	}
	if blk.Header.Flags.Has(FlagDeleted) {
		return nil
	}
	blk.Header.Flags |= FlagDeleted
	blk.Header.Sequence = seq
	blk.Header.Modified = time.Now().UnixNano()
	if _, err := s.f.WriteAt(blk.Header.MarshalBinary(), int64(id)*BlockSize); err != nil {
		return fmt.Errorf("freeing block %d: %w", id, err)
	}
	s.free.ReplaceOrInsert(freeSlot{id: id, freedSeq: seq})
	s.super.FreeBlocks++
	return nil
}

// ScanType returns all live (non-deleted) blocks of the given type.
// Corrupt blocks are logged and skipped; a damaged block must not make the
// rest of the store unreadable.
func (s *Store) ScanType(typ BlockType) ([]*Block, error) {
	var out []*Block
	for id := uint64(1); id < s.nextID; id++ {
		blk, err := s.Read(id)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				s.log.WithError(err).WithField("block", id).Warn("skipping corrupt block during scan")
				continue
			}
			return nil, err
		}
		if blk.Header.Type == typ && !blk.Header.Flags.Has(FlagDeleted) {
			out = append(out, blk)
		}
	}
	return out, nil
}

// Superblock returns a copy of the current root metadata.
func (s *Store) Superblock() Superblock { return s.super }

// SetJournalHead records the highest assigned journal sequence. Persisted
// on the next FlushSuperblock.
func (s *Store) SetJournalHead(seq uint64) { s.super.JournalHead = seq }

// SetLastCheckpoint records the most recent checkpoint sequence.
func (s *Store) SetLastCheckpoint(seq uint64) { s.super.LastCheckpoint = seq }

// FlushSuperblock rewrites block 0 from the in-memory superblock.
func (s *Store) FlushSuperblock() error {
	payload, err := s.super.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serializing superblock: %w", err)
	}
	if _, err := s.Write(0, TypeSuperblock, payload, s.super.JournalHead, 0, false); err != nil {
		return fmt.Errorf("flushing superblock: %w", err)
	}
	return nil
}

// Sync flushes the block file to stable storage.
func (s *Store) Sync() error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("syncing block file: %w", err)
	}
	return nil
}

// NextID returns the first never-allocated block id (also the block count
// of the file).
func (s *Store) NextID() uint64 { return s.nextID }

// Close closes the underlying file without flushing.
func (s *Store) Close() error {
	return s.f.Close()
}
