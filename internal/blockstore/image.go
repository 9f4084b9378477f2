package blockstore

import (
	"encoding/binary"
	"fmt"
)

// BlockImage is the serialized intent of one block write: everything
// needed to (re-)drive Store.Write for a block. It is the forward payload
// of a block-write journal entry and the inverse payload when the entry
// overwrites prior contents, which makes journal replay self-contained.
type BlockImage struct {
	Type      BlockType
	PrevBlock uint64
	Chained   bool
	Data      []byte
}

const imageHeaderLen = 1 + 1 + 8

// MarshalBinary serializes the image: type (1), chain flag (1),
// previous block id (8), then the logical payload bytes.
func (im *BlockImage) MarshalBinary() []byte {
	buf := make([]byte, imageHeaderLen+len(im.Data))
	buf[0] = byte(im.Type)
	if im.Chained {
		buf[1] = 1
	}
	binary.BigEndian.PutUint64(buf[2:10], im.PrevBlock)
	copy(buf[imageHeaderLen:], im.Data)
	return buf
}

// UnmarshalBinary parses a serialized block image.
func (im *BlockImage) UnmarshalBinary(buf []byte) error {
	if len(buf) < imageHeaderLen {
		return fmt.Errorf("short block image: %d bytes", len(buf))
	}
	im.Type = BlockType(buf[0])
	if !im.Type.Valid() {
		return fmt.Errorf("block image has unknown type %d", buf[0])
	}
	im.Chained = buf[1] != 0
	im.PrevBlock = binary.BigEndian.Uint64(buf[2:10])
	im.Data = buf[imageHeaderLen:]
	return nil
}

// ImageOf captures the current contents of a live block as a BlockImage,
// for use as a journal inverse payload.
func ImageOf(blk *Block) (*BlockImage, error) {
	data, err := blk.Data()
	if err != nil {
		return nil, fmt.Errorf("capturing block %d image: %w", blk.Header.ID, err)
	}
	return &BlockImage{
		Type:      blk.Header.Type,
		PrevBlock: blk.Header.PrevBlock,
		Chained:   blk.Header.Flags.Has(FlagChained),
		Data:      data,
	}, nil
}
