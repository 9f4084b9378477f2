// Package txn buffers mutations per transaction and drives the six-phase
// write-ahead commit protocol against the journal and the block store.
// Nothing touches disk before commit; abort discards the buffer.
package txn

import (
	"errors"
	"fmt"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/blockstore"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/journal"
)

var (
	// ErrReadOnly reports a mutation attempted on a read-only transaction.
	ErrReadOnly = errors.New("txn: read-only violation")
	// ErrInvalidHandle reports use of a committed or aborted transaction.
	ErrInvalidHandle = errors.New("txn: transaction handle is no longer valid")
	// ErrConflict reports a second concurrent read-write transaction.
	ErrConflict = errors.New("txn: a read-write transaction is already active")
	// ErrAlreadyExists reports creation of a collection that exists.
	ErrAlreadyExists = errors.New("txn: collection already exists")
)

// Mode selects what a transaction may do.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
)

// State is the transaction lifecycle. There are no transitions out of
// Committed or Aborted.
type State uint8

const (
	Active State = iota
	Committing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// pendingWrite is one staged block write, in apply order.
type pendingWrite struct {
	blockID uint64
	image   blockstore.BlockImage
	op      journal.OpType
	prov    []byte
	flags   journal.EntryFlags // extra entry flags (irreversible markers)
}

// pendingDelete is one staged soft deletion.
type pendingDelete struct {
	blockID uint64
	op      journal.OpType
	prov    []byte
}

// Transaction is an in-memory staging context. It is valid from Begin
// until exactly one of Commit or Abort.
type Transaction struct {
	mgr      *Manager
	mode     Mode
	state    State
	snapshot uint64 // last committed sequence at begin

	writes    []pendingWrite
	writeIdx  map[uint64]int // block id -> index of latest staged write
	deletes   []pendingDelete
	deleteSet map[uint64]bool
}

// Mode returns the transaction's mode.
func (t *Transaction) Mode() Mode { return t.mode }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return t.state }

// Snapshot returns the committed sequence this transaction observes.
func (t *Transaction) Snapshot() uint64 { return t.snapshot }

func (t *Transaction) stageWrite(w pendingWrite) {
	if i, ok := t.writeIdx[w.blockID]; ok {
		t.writes[i] = w
		return
	}
	t.writeIdx[w.blockID] = len(t.writes)
	t.writes = append(t.writes, w)
}

// pendingImage returns this transaction's staged image for a block, if any.
func (t *Transaction) pendingImage(blockID uint64) (*blockstore.BlockImage, bool) {
	if t.deleteSet[blockID] {
		return nil, false
	}
	if i, ok := t.writeIdx[blockID]; ok {
		return &t.writes[i].image, true
	}
	return nil, false
}

// ReadBlock reads a block as of this transaction's snapshot. The
// transaction's own staged writes are visible to itself; blocks modified
// by later committed transactions are served from the journal's inverse
// payloads, so an open read-only transaction never observes writes
// committed after it began.
func (t *Transaction) ReadBlock(blockID uint64) (*blockstore.BlockImage, error) {
	if t.state != Active {
		return nil, fmt.Errorf("%w: state %s", ErrInvalidHandle, t.state)
	}
	if img, ok := t.pendingImage(blockID); ok {
		return img, nil
	}
	if t.deleteSet[blockID] {
		return nil, fmt.Errorf("%w: id %d", blockstore.ErrNotFound, blockID)
	}
	return t.mgr.readAt(blockID, t.snapshot)
}
