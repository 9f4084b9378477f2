package blockstore

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Superblock is the root metadata record stored as block 0. It describes
// the database as a whole and anchors recovery.
type Superblock struct {
	UUID           uuid.UUID
	JournalHead    uint64 // highest journal sequence ever assigned
	LastCheckpoint uint64 // sequence of the most recent checkpoint entry
	TotalBlocks    uint64
	FreeBlocks     uint64
	Name           string
}

const superblockFixedLen = 16 + 8*4 + 2

// MarshalBinary serializes the superblock payload.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	if len(s.Name) > MaxPayload-superblockFixedLen {
		return nil, fmt.Errorf("database name too long: %d bytes", len(s.Name))
	}
	buf := make([]byte, superblockFixedLen+len(s.Name))
	copy(buf[0:16], s.UUID[:])
	binary.BigEndian.PutUint64(buf[16:24], s.JournalHead)
	binary.BigEndian.PutUint64(buf[24:32], s.LastCheckpoint)
	binary.BigEndian.PutUint64(buf[32:40], s.TotalBlocks)
	binary.BigEndian.PutUint64(buf[40:48], s.FreeBlocks)
	binary.BigEndian.PutUint16(buf[48:50], uint16(len(s.Name)))
	copy(buf[50:], s.Name)
	return buf, nil
}

// UnmarshalBinary parses a superblock payload.
func (s *Superblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < superblockFixedLen {
		return fmt.Errorf("short superblock payload: %d bytes", len(buf))
	}
	copy(s.UUID[:], buf[0:16])
	s.JournalHead = binary.BigEndian.Uint64(buf[16:24])
	s.LastCheckpoint = binary.BigEndian.Uint64(buf[24:32])
	s.TotalBlocks = binary.BigEndian.Uint64(buf[32:40])
	s.FreeBlocks = binary.BigEndian.Uint64(buf[40:48])
	nameLen := int(binary.BigEndian.Uint16(buf[48:50]))
	if superblockFixedLen+nameLen > len(buf) {
		return fmt.Errorf("superblock name length %d exceeds payload", nameLen)
	}
	s.Name = string(buf[50 : 50+nameLen])
	return nil
}
