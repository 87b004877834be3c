package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/crypto"
)

func sampleBatch(agentID string, seq uint64, prevHash [codec.HashSize]byte) *codec.Batch {
	b := &codec.Batch{
		AgentID:   agentID,
		Seq:       seq,
		PrevHash:  prevHash,
		Timestamp: 1700000000000,
		Lines:     []string{"hello world"},
	}
	b.Hash = crypto.SHA256(codec.Canonical(b))
	return b
}

func TestMemoryChainStore_AppendFirstBatch(t *testing.T) {
	s := NewMemoryChainStore()
	ctx := context.Background()

	b := sampleBatch("agent-1", 1, codec.ZeroHash)
	stored, err := s.Append(ctx, b, 1700000000000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ID)

	head, err := s.ChainHead(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, uint64(1), head.LatestSeq)
	assert.Equal(t, b.Hash, head.LatestHash)
}

func TestMemoryChainStore_AppendExtendsChain(t *testing.T) {
	s := NewMemoryChainStore()
	ctx := context.Background()

	b1 := sampleBatch("agent-1", 1, codec.ZeroHash)
	_, err := s.Append(ctx, b1, 0)
	require.NoError(t, err)

	b2 := sampleBatch("agent-1", 2, b1.Hash)
	_, err = s.Append(ctx, b2, 0)
	require.NoError(t, err)

	head, err := s.ChainHead(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head.LatestSeq)
	assert.Equal(t, b2.Hash, head.LatestHash)
}

func TestMemoryChainStore_AppendRejectsSkippedSeq(t *testing.T) {
	s := NewMemoryChainStore()
	ctx := context.Background()

	b1 := sampleBatch("agent-1", 1, codec.ZeroHash)
	_, err := s.Append(ctx, b1, 0)
	require.NoError(t, err)

	b3 := sampleBatch("agent-1", 3, b1.Hash)
	_, err = s.Append(ctx, b3, 0)

	var chainErr *ChainViolationError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, uint64(2), chainErr.ExpectedSeq)
}

func TestMemoryChainStore_AppendRejectsWrongPrevHash(t *testing.T) {
	s := NewMemoryChainStore()
	ctx := context.Background()

	b1 := sampleBatch("agent-1", 1, codec.ZeroHash)
	_, err := s.Append(ctx, b1, 0)
	require.NoError(t, err)

	var wrongPrev [codec.HashSize]byte
	wrongPrev[0] = 0xFF
	b2 := sampleBatch("agent-1", 2, wrongPrev)
	_, err = s.Append(ctx, b2, 0)

	var chainErr *ChainViolationError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, b1.Hash, chainErr.ExpectedPrevHash)
}

func TestMemoryChainStore_DuplicateHashIsIdempotent(t *testing.T) {
	s := NewMemoryChainStore()
	ctx := context.Background()

	b1 := sampleBatch("agent-1", 1, codec.ZeroHash)
	first, err := s.Append(ctx, b1, 0)
	require.NoError(t, err)

	again, err := s.Append(ctx, b1, 0)
	require.ErrorIs(t, err, ErrDuplicateHash)
	assert.Equal(t, first.ID, again.ID)
}

func TestMemoryChainStore_DifferentAgentsDoNotInterfere(t *testing.T) {
	s := NewMemoryChainStore()
	ctx := context.Background()

	a1 := sampleBatch("agent-1", 1, codec.ZeroHash)
	a2 := sampleBatch("agent-2", 1, codec.ZeroHash)

	_, err := s.Append(ctx, a1, 0)
	require.NoError(t, err)
	_, err = s.Append(ctx, a2, 0)
	require.NoError(t, err)

	checkpoints, err := s.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)
}

func TestMemoryChainStore_ListBatchesFiltersBySubstring(t *testing.T) {
	s := NewMemoryChainStore()
	ctx := context.Background()

	b1 := sampleBatch("agent-1", 1, codec.ZeroHash)
	b1.Lines = []string{"error: disk full"}
	b1.Hash = crypto.SHA256(codec.Canonical(b1))
	_, err := s.Append(ctx, b1, 0)
	require.NoError(t, err)

	b2 := sampleBatch("agent-1", 2, b1.Hash)
	b2.Lines = []string{"info: all good"}
	b2.Hash = crypto.SHA256(codec.Canonical(b2))
	_, err = s.Append(ctx, b2, 0)
	require.NoError(t, err)

	results, err := s.ListBatches(ctx, Filter{LogSubstring: "error"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(1), results[0].Batch.Seq)
}

func TestMemoryChainStore_ExportIsCursorPaginated(t *testing.T) {
	s := NewMemoryChainStore()
	ctx := context.Background()

	b1 := sampleBatch("agent-1", 1, codec.ZeroHash)
	stored1, err := s.Append(ctx, b1, 0)
	require.NoError(t, err)
	b2 := sampleBatch("agent-1", 2, b1.Hash)
	_, err = s.Append(ctx, b2, 0)
	require.NoError(t, err)

	page, err := s.Export(ctx, stored1.ID-1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, stored1.ID, page[0].ID)

	next, err := s.Export(ctx, page[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, uint64(2), next[0].Batch.Seq)
}
