// Package store implements the append-only Chain Store: persistent storage
// of batches keyed by content hash, with secondary indexes for
// agent-sequence and insertion order, plus the storage-layer enforcement of
// the chain invariants.
package store

import (
	"context"
	"errors"

	"github.com/logchain/logchain/pkg/codec"
)

var (
	// ErrNotFound is returned by GetBatch when no batch matches the id
	// or hash.
	ErrNotFound = errors.New("store: batch not found")
	// ErrDuplicateHash is surfaced internally when an insert collides on
	// the unique hash index; the ingestion pipeline treats this as an
	// idempotent success rather than propagating it as an error.
	ErrDuplicateHash = errors.New("store: batch hash already present")
	// ErrChainViolation is returned when an insert's (agent_id, seq) or
	// prev_hash does not extend the stored chain for that agent. ExpectedSeq
	// and ExpectedPrevHash on ChainViolationError carry what the store
	// requires next.
	ErrChainViolation = errors.New("store: chain violation")
)

// ChainViolationError carries the expected seq/prev_hash the ingestion
// pipeline needs to report to a retrying client.
type ChainViolationError struct {
	ExpectedSeq      uint64
	ExpectedPrevHash [codec.HashSize]byte
}

func (e *ChainViolationError) Error() string { return ErrChainViolation.Error() }
func (e *ChainViolationError) Unwrap() error { return ErrChainViolation }

// ChainHead is the derived per-agent view: the most recently accepted
// seq/hash pair. Absent for agents with no batches.
type ChainHead struct {
	AgentID   string
	LatestSeq uint64
	LatestHash [codec.HashSize]byte
}

// StoredBatch is a batch as persisted, carrying the internal id and
// insertion-order metadata alongside the batch fields themselves.
type StoredBatch struct {
	ID         int64
	Batch      codec.Batch
	ReceivedAt int64 // milliseconds since epoch, server wall clock
}

// Filter selects batches for ListBatches, per §4.6.
type Filter struct {
	AgentID        string
	SinceSeq       uint64
	SinceTimestamp *int64
	UntilTimestamp *int64
	LogSubstring   string
	Limit          int
	Offset         int
}

// ChainStore is the append-only Chain Store of §4.4. Implementations must
// enforce invariants 1-4 and 6 of §3 at the storage layer, independent of
// whatever checks the Ingestion Pipeline already performed, so that a SQL
// client bypassing the pipeline cannot corrupt the chain.
type ChainStore interface {
	// Append inserts a new batch. It returns ErrDuplicateHash if
	// batch.Hash is already stored (the caller should treat this as
	// idempotent success, not failure) and a *ChainViolationError if
	// (agent_id, seq, prev_hash) does not extend the stored chain.
	Append(ctx context.Context, batch *codec.Batch, receivedAtMillis int64) (*StoredBatch, error)

	// GetBatch looks up a single batch by internal id.
	GetBatch(ctx context.Context, id int64) (*StoredBatch, error)

	// GetBatchByHash looks up a single batch by its content hash.
	GetBatchByHash(ctx context.Context, hash [codec.HashSize]byte) (*StoredBatch, error)

	// ChainHead returns the latest (seq, hash) for agentID, or
	// (nil, nil) if the agent has no stored batches.
	ChainHead(ctx context.Context, agentID string) (*ChainHead, error)

	// ListBatches returns batches matching filter, ordered by
	// (agent_id, seq) ascending.
	ListBatches(ctx context.Context, filter Filter) ([]*StoredBatch, error)

	// Checkpoints returns the chain head for every agent with at least
	// one stored batch.
	Checkpoints(ctx context.Context) ([]ChainHead, error)

	// Export returns up to limit batches with internal id > afterID,
	// ordered by id ascending, for cursor-paginated bulk export.
	Export(ctx context.Context, afterID int64, limit int) ([]*StoredBatch, error)
}
