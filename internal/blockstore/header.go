package blockstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// BlockSize is the total on-disk size of one block. Block i lives at
	// byte offset i*BlockSize in the block file.
	BlockSize = 4096

	// HeaderSize is the fixed header prefix of every block.
	HeaderSize = 64

	// MaxPayload is the usable payload capacity of one block.
	MaxPayload = BlockSize - HeaderSize

	// Magic marks a valid block header ("LITHGLYB").
	Magic uint64 = 0x4C495448474C5942

	// FormatVersion is the current block format version.
	FormatVersion uint16 = 1
)

// castagnoli is the CRC-32C table mandated by the on-disk format.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC-32C of a payload.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ChecksumUpdate extends a running CRC-32C with more bytes.
func ChecksumUpdate(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// BlockType tags what a block's payload holds.
type BlockType uint8

const (
	TypeFree BlockType = iota
	TypeSuperblock
	TypeCollectionMeta
	TypeDocument
	TypeDocumentOverflow
	TypeEdgeMeta
	TypeEdge
	TypeIndexRoot
	TypeIndexInternal
	TypeIndexLeaf
	TypeJournalSegment
	TypeSchema
	TypeConstraint
	TypeMigration

	typeCount
)

var blockTypeNames = [...]string{
	"free", "superblock", "collection-meta", "document",
	"document-overflow", "edge-meta", "edge", "index-root",
	"index-internal", "index-leaf", "journal-segment", "schema",
	"constraint", "migration",
}

func (t BlockType) String() string {
	if t < typeCount {
		return blockTypeNames[t]
	}
	return fmt.Sprintf("invalid-block-type(%d)", uint8(t))
}

// Valid reports whether t is a known block type.
func (t BlockType) Valid() bool { return t < typeCount }

// ParseBlockType resolves a type name as used by the introspection API.
func ParseBlockType(name string) (BlockType, error) {
	for i, n := range blockTypeNames {
		if n == name {
			return BlockType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown block type %q", name)
}

// Flags are per-block state bits.
type Flags uint8

const (
	FlagCompressed Flags = 1 << iota
	FlagEncrypted
	FlagChained
	FlagDeleted
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is the in-memory form of the 64-byte block header. The byte
// offsets and widths in MarshalBinary are the wire contract; this struct
// is not.
type Header struct {
	Magic      uint64
	Version    uint16
	Type       BlockType
	Flags      Flags
	ID         uint64
	Sequence   uint64
	Created    int64
	Modified   int64
	PayloadLen uint32
	Checksum   uint32
	PrevBlock  uint64
	Reserved   uint32
}

// MarshalBinary serializes the header into its fixed 64-byte layout.
func (h *Header) MarshalBinary() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], h.Magic)
	binary.BigEndian.PutUint16(buf[8:10], h.Version)
	buf[10] = byte(h.Type)
	buf[11] = byte(h.Flags)
	binary.BigEndian.PutUint64(buf[12:20], h.ID)
	binary.BigEndian.PutUint64(buf[20:28], h.Sequence)
	binary.BigEndian.PutUint64(buf[28:36], uint64(h.Created))
	binary.BigEndian.PutUint64(buf[36:44], uint64(h.Modified))
	binary.BigEndian.PutUint32(buf[44:48], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[48:52], h.Checksum)
	binary.BigEndian.PutUint64(buf[52:60], h.PrevBlock)
	binary.BigEndian.PutUint32(buf[60:64], h.Reserved)
	return buf
}

// UnmarshalBinary parses a 64-byte header. It does not validate; use
// Block.Validate after attaching the payload.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("short block header: %d bytes", len(buf))
	}
	h.Magic = binary.BigEndian.Uint64(buf[0:8])
	h.Version = binary.BigEndian.Uint16(buf[8:10])
	h.Type = BlockType(buf[10])
	h.Flags = Flags(buf[11])
	h.ID = binary.BigEndian.Uint64(buf[12:20])
	h.Sequence = binary.BigEndian.Uint64(buf[20:28])
	h.Created = int64(binary.BigEndian.Uint64(buf[28:36]))
	h.Modified = int64(binary.BigEndian.Uint64(buf[36:44]))
	h.PayloadLen = binary.BigEndian.Uint32(buf[44:48])
	h.Checksum = binary.BigEndian.Uint32(buf[48:52])
	h.PrevBlock = binary.BigEndian.Uint64(buf[52:60])
	h.Reserved = binary.BigEndian.Uint32(buf[60:64])
	return nil
}

// Block is a header plus its raw stored payload (still compressed when the
// compressed flag is set).
type Block struct {
	Header  Header
	Payload []byte
}

// Validate checks the block invariant: magic, known type, payload bounds
// and checksum. A block failing Validate must never be treated as live data.
func (b *Block) Validate() error {
	if b.Header.Magic != Magic {
		return fmt.Errorf("bad magic 0x%016x", b.Header.Magic)
	}
	if !b.Header.Type.Valid() {
		return fmt.Errorf("unknown block type %d", uint8(b.Header.Type))
	}
	if b.Header.PayloadLen > MaxPayload {
		return fmt.Errorf("payload length %d exceeds max %d", b.Header.PayloadLen, MaxPayload)
	}
	if int(b.Header.PayloadLen) != len(b.Payload) {
		return fmt.Errorf("payload length mismatch: header %d, actual %d", b.Header.PayloadLen, len(b.Payload))
	}
	if got := Checksum(b.Payload); got != b.Header.Checksum {
		return fmt.Errorf("payload checksum mismatch: stored 0x%08x computed 0x%08x", b.Header.Checksum, got)
	}
	return nil
}
