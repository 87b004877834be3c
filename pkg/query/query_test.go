package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/crypto"
	"github.com/logchain/logchain/pkg/store"
)

func appendSample(t *testing.T, st store.ChainStore, agentID string, seq uint64, prev [codec.HashSize]byte, line string) [codec.HashSize]byte {
	t.Helper()
	b := &codec.Batch{
		AgentID:   agentID,
		Seq:       seq,
		PrevHash:  prev,
		Timestamp: 1000 * int64(seq),
		Lines:     []string{line},
	}
	b.Hash = crypto.SHA256(codec.Canonical(b))
	_, err := st.Append(context.Background(), b, 1234)
	require.NoError(t, err)
	return b.Hash
}

func TestCheckpoints_EmptyStoreHasNoMerkleRoot(t *testing.T) {
	svc := New(store.NewMemoryChainStore())
	res, err := svc.Checkpoints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Heads)
	assert.Empty(t, res.MerkleRoot)
}

func TestCheckpoints_ReturnsMerkleRootOverHeads(t *testing.T) {
	st := store.NewMemoryChainStore()
	h1 := appendSample(t, st, "a", 1, codec.ZeroHash, "hello")
	appendSample(t, st, "b", 1, codec.ZeroHash, "world")

	svc := New(st)
	res, err := svc.Checkpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Heads, 2)
	assert.NotEmpty(t, res.MerkleRoot)
	assert.Len(t, res.MerkleRoot, 64) // hex-encoded sha256
	assert.NotEmpty(t, res.BundleDigest)
	assert.Len(t, res.BundleDigest, 64)
	assert.NotEqual(t, res.MerkleRoot, res.BundleDigest)

	// Recomputing over the same heads must reproduce the same root and digest.
	res2, err := svc.Checkpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.MerkleRoot, res2.MerkleRoot)
	assert.Equal(t, res.BundleDigest, res2.BundleDigest)
	_ = h1
}

func TestListBatches_FiltersBySubstringAndOrdersByAgentThenSeq(t *testing.T) {
	st := store.NewMemoryChainStore()
	h1 := appendSample(t, st, "a", 1, codec.ZeroHash, "contains-needle")
	appendSample(t, st, "a", 2, h1, "plain line")

	svc := New(st)
	results, err := svc.ListBatches(context.Background(), store.Filter{LogSubstring: "needle"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(1), results[0].Batch.Seq)
}

func TestExport_IsCursorPaginated(t *testing.T) {
	st := store.NewMemoryChainStore()
	h1 := appendSample(t, st, "a", 1, codec.ZeroHash, "one")
	appendSample(t, st, "a", 2, h1, "two")

	svc := New(st)
	page1, err := svc.Export(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Len(t, page1.Batches, 1)
	assert.NotEmpty(t, page1.BundleDigest)

	page2, err := svc.Export(context.Background(), page1.Batches[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, page2.Batches, 1)
	assert.Greater(t, page2.Batches[0].ID, page1.Batches[0].ID)
}

func TestGetBatch_RoundTripsByIDAndHash(t *testing.T) {
	st := store.NewMemoryChainStore()
	hash := appendSample(t, st, "a", 1, codec.ZeroHash, "hello")

	svc := New(st)
	byHash, err := svc.GetBatchByHash(context.Background(), hash)
	require.NoError(t, err)

	byID, err := svc.GetBatch(context.Background(), byHash.ID)
	require.NoError(t, err)
	assert.Equal(t, byHash.Batch.Hash, byID.Batch.Hash)
}
