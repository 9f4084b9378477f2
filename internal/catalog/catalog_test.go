package catalog

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/blockstore"
)

func openTestStore(t *testing.T) *blockstore.Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	s, err := blockstore.Open(blockstore.Config{
		Path:   filepath.Join(t.TempDir(), "blocks.lgdb"),
		Name:   "catalog-test",
		Logger: log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeCollection(t *testing.T, s *blockstore.Store, c *Collection) uint64 {
	t.Helper()
	id := s.Allocate()
	_, err := s.Write(id, blockstore.TypeCollectionMeta, c.Encode(), 1, 0, false)
	require.NoError(t, err)
	return id
}

func TestCollectionEncodeDecode(t *testing.T) {
	in := NewCollection("users")
	in.HeadBlock = 12
	in.DocumentCount = 3
	in.SchemaBlock = 8

	out, err := DecodeCollection(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.UUID, out.UUID)
	assert.Equal(t, in.HeadBlock, out.HeadBlock)
	assert.Equal(t, in.DocumentCount, out.DocumentCount)
	assert.Equal(t, in.SchemaBlock, out.SchemaBlock)

	_, err = DecodeCollection([]byte(`{"uuid": "x"}`))
	assert.Error(t, err)
	_, err = DecodeCollection([]byte("not json"))
	assert.Error(t, err)
}

func TestLoadAndFind(t *testing.T) {
	s := openTestStore(t)

	writeCollection(t, s, NewCollection("users"))
	edgesID := writeCollection(t, s, NewCollection("edges"))

	cols, err := Load(s)
	require.NoError(t, err)
	assert.Len(t, cols, 2)

	c, err := Find(s, "edges")
	require.NoError(t, err)
	assert.Equal(t, edgesID, c.BlockID)

	_, err = Find(s, "ghosts")
	assert.ErrorIs(t, err, ErrNoCollection)
}

func TestDocumentPayloadShape(t *testing.T) {
	payload := EncodeDocument("doc-1", "users", []byte(`{"name":"ada"}`))
	assert.Equal(t, "doc-1", RecordID(payload))

	rewritten := RewriteRecordData(payload, []byte(`{"name":"grace"}`))
	assert.Equal(t, "doc-1", RecordID(rewritten))
	assert.Contains(t, string(rewritten), `"grace"`)
	assert.NotContains(t, string(rewritten), `"ada"`)
}

func TestEdgePayloadShape(t *testing.T) {
	payload := EncodeEdge("edge-1", "follows", "doc-a", "doc-b", []byte(`{"weight":2}`))
	assert.Equal(t, "edge-1", RecordID(payload))
	assert.Contains(t, string(payload), `"from":"doc-a"`)
	assert.Contains(t, string(payload), `"to":"doc-b"`)
}

func TestAssembleChainSingleBlock(t *testing.T) {
	s := openTestStore(t)

	id := s.Allocate()
	payload := []byte(`{"id":"doc-1","data":{}}`)
	_, err := s.Write(id, blockstore.TypeDocument, payload, 1, 0, false)
	require.NoError(t, err)

	blk, err := s.Read(id)
	require.NoError(t, err)
	out, err := AssembleChain(s, blk)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestAssembleChainOverflow(t *testing.T) {
	s := openTestStore(t)

	first := bytes.Repeat([]byte("A"), 100)
	second := bytes.Repeat([]byte("B"), 100)
	third := bytes.Repeat([]byte("C"), 50)

	headID := s.Allocate()
	_, err := s.Write(headID, blockstore.TypeDocument, first, 1, 0, true)
	require.NoError(t, err)

	ovf1 := s.Allocate()
	_, err = s.Write(ovf1, blockstore.TypeDocumentOverflow, second, 2, headID, true)
	require.NoError(t, err)

	ovf2 := s.Allocate()
	_, err = s.Write(ovf2, blockstore.TypeDocumentOverflow, third, 3, ovf1, false)
	require.NoError(t, err)

	head, err := s.Read(headID)
	require.NoError(t, err)
	out, err := AssembleChain(s, head)
	require.NoError(t, err)

	want := append(append(append([]byte(nil), first...), second...), third...)
	assert.Equal(t, want, out)
}
