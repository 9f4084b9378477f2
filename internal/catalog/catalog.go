// Package catalog is the thin logical layer over the block heap: named
// collections, and the document/edge records that live inside
// type-tagged blocks. Collection registry entries are JSON payloads in
// collection-meta blocks; documents and edges carry generated ids
// distinct from their block ids.
package catalog

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/blockstore"
)

// ErrNoCollection reports a collection name with no registry entry.
var ErrNoCollection = errors.New("catalog: collection not found")

// Collection is one registry entry, stored as a collection-meta block.
type Collection struct {
	Name          string `json:"name"`
	UUID          string `json:"uuid"`
	HeadBlock     uint64 `json:"head_block"`
	DocumentCount uint64 `json:"document_count"`
	EdgeCount     uint64 `json:"edge_count"`
	SchemaBlock   uint64 `json:"schema_block"`

	// BlockID is where this entry lives; filled on load, not serialized.
	BlockID uint64 `json:"-"`
}

// Encode serializes the registry entry as its block payload.
func (c *Collection) Encode() []byte {
	out := "{}"
	out, _ = sjson.Set(out, "name", c.Name)
	out, _ = sjson.Set(out, "uuid", c.UUID)
	out, _ = sjson.Set(out, "head_block", c.HeadBlock)
	out, _ = sjson.Set(out, "document_count", c.DocumentCount)
	out, _ = sjson.Set(out, "edge_count", c.EdgeCount)
	out, _ = sjson.Set(out, "schema_block", c.SchemaBlock)
	return []byte(out)
}

// DecodeCollection parses a collection-meta payload.
func DecodeCollection(buf []byte) (*Collection, error) {
	if !gjson.ValidBytes(buf) {
		return nil, fmt.Errorf("catalog: collection payload is not valid JSON")
	}
	name := gjson.GetBytes(buf, "name")
	if !name.Exists() || name.String() == "" {
		return nil, fmt.Errorf("catalog: collection payload missing name")
	}
	return &Collection{
		Name:          name.String(),
		UUID:          gjson.GetBytes(buf, "uuid").String(),
		HeadBlock:     gjson.GetBytes(buf, "head_block").Uint(),
		DocumentCount: gjson.GetBytes(buf, "document_count").Uint(),
		EdgeCount:     gjson.GetBytes(buf, "edge_count").Uint(),
		SchemaBlock:   gjson.GetBytes(buf, "schema_block").Uint(),
	}, nil
}

// NewCollection builds a fresh registry entry with a generated UUID.
func NewCollection(name string) *Collection {
	return &Collection{Name: name, UUID: uuid.NewString()}
}

// Load reads every live collection-meta block from the store.
func Load(store *blockstore.Store) ([]*Collection, error) {
	blks, err := store.ScanType(blockstore.TypeCollectionMeta)
	if err != nil {
		return nil, err
	}
	out := make([]*Collection, 0, len(blks))
	for _, blk := range blks {
		data, err := blk.Data()
		if err != nil {
			return nil, fmt.Errorf("catalog: collection block %d: %w", blk.Header.ID, err)
		}
		c, err := DecodeCollection(data)
		if err != nil {
			return nil, fmt.Errorf("catalog: collection block %d: %w", blk.Header.ID, err)
		}
		c.BlockID = blk.Header.ID
		out = append(out, c)
	}
	return out, nil
}

// Find returns the live registry entry for name.
func Find(store *blockstore.Store, name string) (*Collection, error) {
	cols, err := Load(store)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoCollection, name)
}

// EncodeDocument builds the payload of a document head block: generated
// document id, owning collection and the raw JSON body.
func EncodeDocument(docID, collection string, data []byte) []byte {
	out := "{}"
	out, _ = sjson.Set(out, "id", docID)
	out, _ = sjson.Set(out, "collection", collection)
	out, _ = sjson.SetRaw(out, "data", string(data))
	return []byte(out)
}

// EncodeEdge builds the payload of an edge block.
func EncodeEdge(edgeID, collection, from, to string, data []byte) []byte {
	out := "{}"
	out, _ = sjson.Set(out, "id", edgeID)
	out, _ = sjson.Set(out, "collection", collection)
	out, _ = sjson.Set(out, "from", from)
	out, _ = sjson.Set(out, "to", to)
	if len(data) > 0 {
		out, _ = sjson.SetRaw(out, "data", string(data))
	}
	return []byte(out)
}

// RecordID extracts the generated id of a document or edge payload.
func RecordID(payload []byte) string {
	return gjson.GetBytes(payload, "id").String()
}

// RewriteRecordData replaces the data body of a document or edge payload
// while preserving its id, collection and edge endpoints.
func RewriteRecordData(payload []byte, data []byte) []byte {
	out, err := sjson.SetRaw(string(payload), "data", string(data))
	if err != nil {
		return payload
	}
	return []byte(out)
}

// NewRecordID generates a document/edge id, distinct from any block id.
func NewRecordID() string { return uuid.NewString() }

// AssembleChain reconstructs the full logical payload of a chained
// record. The head block holds the first chunk; each overflow block's
// previous-block-id points at the chunk before it, so the chain is walked
// by scanning overflow blocks once and following the links forward.
func AssembleChain(store *blockstore.Store, head *blockstore.Block) ([]byte, error) {
	data, err := head.Data()
	if err != nil {
		return nil, err
	}
	if !head.Header.Flags.Has(blockstore.FlagChained) {
		return data, nil
	}

	overflow, err := store.ScanType(blockstore.TypeDocumentOverflow)
	if err != nil {
		return nil, err
	}
	byPrev := make(map[uint64]*blockstore.Block, len(overflow))
	for _, blk := range overflow {
		byPrev[blk.Header.PrevBlock] = blk
	}

	out := append([]byte(nil), data...)
	cur := head.Header.ID
	for {
		next, ok := byPrev[cur]
		if !ok {
			break
		}
		chunk, err := next.Data()
		if err != nil {
			return nil, fmt.Errorf("catalog: overflow block %d: %w", next.Header.ID, err)
		}
		out = append(out, chunk...)
		cur = next.Header.ID
	}
	return out, nil
}
