package lithoglyph

import (
	"github.com/hyperpolymath/lithoglyph-sub002/internal/opcodec"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/txn"
)

// Transaction is the caller-facing transaction handle. All mutations are
// buffered in memory until Commit; Abort discards them. Using a handle
// after Commit or Abort fails with an InvalidArgument status.
type Transaction struct {
	db    *DB
	inner *txn.Transaction
}

// Apply stages one encoded operation (JSON, at most 1 MiB) and returns
// the block id assigned to its primary effect. Empty, oversized or
// malformed buffers fail with an InvalidArgument status and no side
// effects; read-only transactions fail with PermissionDenied.
func (t *Transaction) Apply(encoded []byte) (uint64, error) {
	op, err := opcodec.Decode(encoded)
	if err != nil {
		return 0, translate(err)
	}
	id, err := t.db.mgr.Apply(t.inner, op)
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

// UpdateBlock stages new contents for an existing block.
func (t *Transaction) UpdateBlock(blockID uint64, data []byte) error {
	return translate(t.db.mgr.UpdateBlock(t.inner, blockID, data))
}

// DeleteBlock stages a soft deletion of an existing block.
func (t *Transaction) DeleteBlock(blockID uint64) error {
	return translate(t.db.mgr.DeleteBlock(t.inner, blockID))
}

// ReadBlock returns the logical payload of a block as of this
// transaction's snapshot. The transaction's own staged writes are
// visible; writes committed by others after this transaction began are
// not.
func (t *Transaction) ReadBlock(blockID uint64) ([]byte, error) {
	img, err := t.inner.ReadBlock(blockID)
	if err != nil {
		return nil, translate(err)
	}
	return img.Data, nil
}

// Commit runs the six-phase write-ahead commit protocol. On success all
// staged effects are durable; on failure the handle is invalid but any
// journal entries already synced will be re-driven by recovery on the
// next open.
func (t *Transaction) Commit() error {
	return translate(t.db.mgr.Commit(t.inner))
}

// Abort discards all staged operations. It is idempotent and never
// fails, so cleanup paths may call it unconditionally.
func (t *Transaction) Abort() {
	t.db.mgr.Abort(t.inner)
}

// State returns the transaction's lifecycle state name.
func (t *Transaction) State() string { return t.inner.State().String() }

// Snapshot returns the committed journal sequence this transaction
// observes.
func (t *Transaction) Snapshot() uint64 { return t.inner.Snapshot() }
