// Package opcodec decodes the encoded operation buffers handed across the
// storage-core boundary into a closed sum type. A buffer is decoded
// exactly once, here; nothing downstream re-interprets raw bytes.
package opcodec

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/journal"
)

// MaxOpSize is the hard cap on an encoded operation buffer.
const MaxOpSize = 1 << 20

// ErrParseFailed reports an empty, oversized or malformed operation
// buffer. Rejected before any side effect.
var ErrParseFailed = errors.New("opcodec: operation buffer parse failed")

// Provenance is the who/why metadata attached to a journal entry.
type Provenance struct {
	Actor  string
	Reason string
}

// MarshalJSON-ish encoding via sjson keeps the provenance payload a plain
// JSON object on the wire.
func (p Provenance) Encode() []byte {
	if p.Actor == "" && p.Reason == "" {
		return nil
	}
	out := "{}"
	if p.Actor != "" {
		out, _ = sjson.Set(out, "actor", p.Actor)
	}
	if p.Reason != "" {
		out, _ = sjson.Set(out, "reason", p.Reason)
	}
	return []byte(out)
}

// DecodeProvenance parses a provenance payload back into its fields.
func DecodeProvenance(buf []byte) Provenance {
	if len(buf) == 0 {
		return Provenance{}
	}
	return Provenance{
		Actor:  gjson.GetBytes(buf, "actor").String(),
		Reason: gjson.GetBytes(buf, "reason").String(),
	}
}

// Op is one decoded operation. Exactly one payload shape exists per
// operation type; fields not applicable to the type are zero.
type Op struct {
	Type       journal.OpType
	Collection string
	Data       []byte // raw JSON body for document/edge/schema payloads
	From       string // edge source document id
	To         string // edge target document id
	BlockID    uint64 // target block for update/replace/delete variants
	Provenance Provenance
}

// Decode validates and parses an encoded operation buffer. Empty,
// oversized or structurally malformed buffers fail with ErrParseFailed
// and no side effects.
func Decode(buf []byte) (*Op, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrParseFailed)
	}
	if len(buf) > MaxOpSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrParseFailed, len(buf), MaxOpSize)
	}
	if !gjson.ValidBytes(buf) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrParseFailed)
	}

	opName := gjson.GetBytes(buf, "op")
	if !opName.Exists() {
		return nil, fmt.Errorf("%w: missing op field", ErrParseFailed)
	}
	opType, err := journal.ParseOpType(opName.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	op := &Op{
		Type:       opType,
		Collection: gjson.GetBytes(buf, "collection").String(),
		From:       gjson.GetBytes(buf, "from").String(),
		To:         gjson.GetBytes(buf, "to").String(),
		BlockID:    gjson.GetBytes(buf, "block_id").Uint(),
		Provenance: Provenance{
			Actor:  gjson.GetBytes(buf, "provenance.actor").String(),
			Reason: gjson.GetBytes(buf, "provenance.reason").String(),
		},
	}
	if data := gjson.GetBytes(buf, "data"); data.Exists() {
		op.Data = []byte(data.Raw)
	}

	switch opType {
	case journal.OpDocumentInsert:
		if op.Collection == "" {
			return nil, fmt.Errorf("%w: %s requires a collection", ErrParseFailed, opType)
		}
		if len(op.Data) == 0 {
			return nil, fmt.Errorf("%w: %s requires a data object", ErrParseFailed, opType)
		}
	case journal.OpDocumentUpdate, journal.OpDocumentReplace, journal.OpEdgeUpdate:
		if op.BlockID == 0 {
			return nil, fmt.Errorf("%w: %s requires a block_id", ErrParseFailed, opType)
		}
		if len(op.Data) == 0 {
			return nil, fmt.Errorf("%w: %s requires a data object", ErrParseFailed, opType)
		}
	case journal.OpDocumentDelete, journal.OpEdgeDelete, journal.OpConstraintDrop, journal.OpIndexDrop:
		if op.BlockID == 0 {
			return nil, fmt.Errorf("%w: %s requires a block_id", ErrParseFailed, opType)
		}
	case journal.OpEdgeInsert:
		if op.Collection == "" || op.From == "" || op.To == "" {
			return nil, fmt.Errorf("%w: edge.insert requires collection, from and to", ErrParseFailed)
		}
	case journal.OpCollectionCreate, journal.OpCollectionDrop:
		if op.Collection == "" {
			return nil, fmt.Errorf("%w: %s requires a collection", ErrParseFailed, opType)
		}
	case journal.OpSchemaCreate, journal.OpSchemaAlter, journal.OpConstraintAdd:
		if op.Collection == "" || len(op.Data) == 0 {
			return nil, fmt.Errorf("%w: %s requires collection and data", ErrParseFailed, opType)
		}
	case journal.OpCheckpoint:
		return nil, fmt.Errorf("%w: checkpoint entries are not caller-encodable", ErrParseFailed)
	}
	return op, nil
}
