package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/blockstore"
)

const (
	// EntryHeaderSize is the fixed header prefix of every journal entry.
	EntryHeaderSize = 48

	// FileHeaderSize is the reserved region at the start of the journal
	// file, before the first entry.
	FileHeaderSize = 32

	// FileMagic marks a journal file ("LITHJRNL").
	FileMagic uint64 = 0x4C4954484A524E4C

	// FileVersion is the current journal format version.
	FileVersion uint16 = 1

	// maxBodyLen caps a single entry body; anything larger during a scan
	// is treated as a corrupt length, not followed.
	maxBodyLen = 4 << 20
)

// OpType identifies the operation a journal entry records. The set is
// closed; payload shapes are fixed per variant and decoded once at parse
// time.
type OpType uint16

const (
	OpInvalid OpType = iota
	OpDocumentInsert
	OpDocumentUpdate
	OpDocumentDelete
	OpDocumentReplace
	OpEdgeInsert
	OpEdgeUpdate
	OpEdgeDelete
	OpCollectionCreate
	OpCollectionDrop
	OpSchemaCreate
	OpSchemaAlter
	OpConstraintAdd
	OpConstraintDrop
	OpIndexCreate
	OpIndexDrop
	OpMigrationStart
	OpMigrationStep
	OpMigrationComplete
	OpMigrationRollback
	OpCheckpoint
	OpIrreversibleMarker

	opTypeCount
)

var opTypeNames = [...]string{
	"invalid",
	"document.insert", "document.update", "document.delete", "document.replace",
	"edge.insert", "edge.update", "edge.delete",
	"collection.create", "collection.drop",
	"schema.create", "schema.alter",
	"constraint.add", "constraint.drop",
	"index.create", "index.drop",
	"migration.start", "migration.step", "migration.complete", "migration.rollback",
	"checkpoint", "irreversible-marker",
}

func (op OpType) String() string {
	if op < opTypeCount {
		return opTypeNames[op]
	}
	return fmt.Sprintf("invalid-op(%d)", uint16(op))
}

// Valid reports whether op is a known, non-zero operation type.
func (op OpType) Valid() bool { return op > OpInvalid && op < opTypeCount }

// ParseOpType resolves an operation name as it appears in encoded
// operation buffers.
func ParseOpType(name string) (OpType, error) {
	for i := 1; i < int(opTypeCount); i++ {
		if opTypeNames[i] == name {
			return OpType(i), nil
		}
	}
	return OpInvalid, fmt.Errorf("unknown operation type %q", name)
}

// BlockTypeFor maps an operation to the block type its forward payload
// targets.
func (op OpType) BlockTypeFor() blockstore.BlockType {
	switch op {
	case OpDocumentInsert, OpDocumentUpdate, OpDocumentReplace:
		return blockstore.TypeDocument
	case OpEdgeInsert, OpEdgeUpdate:
		return blockstore.TypeEdge
	case OpCollectionCreate:
		return blockstore.TypeCollectionMeta
	case OpSchemaCreate, OpSchemaAlter:
		return blockstore.TypeSchema
	case OpConstraintAdd:
		return blockstore.TypeConstraint
	case OpIndexCreate:
		return blockstore.TypeIndexRoot
	case OpMigrationStart, OpMigrationStep, OpMigrationComplete, OpMigrationRollback, OpIrreversibleMarker:
		return blockstore.TypeMigration
	}
	return blockstore.TypeFree
}

// EntryFlags are per-entry state bits.
type EntryFlags uint16

const (
	FlagCommitted EntryFlags = 1 << iota
	FlagRolledBack
	FlagCheckpoint
	FlagCompressed
	FlagIrreversible
)

func (f EntryFlags) Has(bit EntryFlags) bool { return f&bit != 0 }

// Entry is one journal record: a fixed header plus forward, inverse and
// provenance payloads. Offset is where the entry starts in the file; it is
// filled in by Append and scans, and is not part of the wire format.
type Entry struct {
	Sequence      uint64
	Timestamp     int64
	Op            OpType
	Flags         EntryFlags
	AffectedBlock uint64
	Forward       []byte
	Inverse       []byte
	Provenance    []byte

	Checksum uint32
	Len      uint32
	Offset   int64
}

// marshalHeader lays out the 48-byte entry header. The offsets are the
// wire contract.
func (e *Entry) marshalHeader() []byte {
	buf := make([]byte, EntryHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], e.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Timestamp))
	binary.BigEndian.PutUint16(buf[16:18], uint16(e.Op))
	binary.BigEndian.PutUint16(buf[18:20], uint16(e.Flags))
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(e.Forward)))
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(e.Inverse)))
	binary.BigEndian.PutUint32(buf[28:32], uint32(len(e.Provenance)))
	binary.BigEndian.PutUint64(buf[32:40], e.AffectedBlock)
	binary.BigEndian.PutUint32(buf[40:44], e.Checksum)
	binary.BigEndian.PutUint32(buf[44:48], e.Len)
	return buf
}

// entryHeader is the parsed fixed header before the body is attached.
type entryHeader struct {
	sequence   uint64
	timestamp  int64
	op         OpType
	flags      EntryFlags
	forwardLen uint32
	inverseLen uint32
	provLen    uint32
	affected   uint64
	checksum   uint32
	entryLen   uint32
}

func parseEntryHeader(buf []byte) (entryHeader, error) {
	var h entryHeader
	if len(buf) < EntryHeaderSize {
		return h, fmt.Errorf("short entry header: %d bytes", len(buf))
	}
	h.sequence = binary.BigEndian.Uint64(buf[0:8])
	h.timestamp = int64(binary.BigEndian.Uint64(buf[8:16]))
	h.op = OpType(binary.BigEndian.Uint16(buf[16:18]))
	h.flags = EntryFlags(binary.BigEndian.Uint16(buf[18:20]))
	h.forwardLen = binary.BigEndian.Uint32(buf[20:24])
	h.inverseLen = binary.BigEndian.Uint32(buf[24:28])
	h.provLen = binary.BigEndian.Uint32(buf[28:32])
	h.affected = binary.BigEndian.Uint64(buf[32:40])
	h.checksum = binary.BigEndian.Uint32(buf[40:44])
	h.entryLen = binary.BigEndian.Uint32(buf[44:48])
	return h, nil
}

// checksumEntry computes the entry checksum: CRC-32C over the header with
// the checksum field zeroed, followed by the body bytes as stored.
func checksumEntry(header []byte, body []byte) uint32 {
	scratch := make([]byte, EntryHeaderSize)
	copy(scratch, header)
	scratch[40], scratch[41], scratch[42], scratch[43] = 0, 0, 0, 0
	crc := blockstore.Checksum(scratch)
	return blockstore.ChecksumUpdate(crc, body)
}
