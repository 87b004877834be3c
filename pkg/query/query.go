// Package query implements the read side of §4.6: GetBatch, ListBatches,
// Checkpoints, and Export, as a thin wrapper over pkg/store.ChainStore that
// additionally folds a merkle root into Checkpoints for verifiers that want
// a single value to compare across two reads instead of walking every
// chain.
package query

import (
	"context"
	"fmt"

	"github.com/logchain/logchain/pkg/canonicalize"
	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/merkle"
	"github.com/logchain/logchain/pkg/store"
)

// Service answers read requests against a Chain Store.
type Service struct {
	Store store.ChainStore
}

// New builds a Service over the given store.
func New(chainStore store.ChainStore) *Service {
	return &Service{Store: chainStore}
}

// GetBatch looks a batch up by internal id.
func (s *Service) GetBatch(ctx context.Context, id int64) (*store.StoredBatch, error) {
	return s.Store.GetBatch(ctx, id)
}

// GetBatchByHash looks a batch up by its content hash.
func (s *Service) GetBatchByHash(ctx context.Context, hash [codec.HashSize]byte) (*store.StoredBatch, error) {
	return s.Store.GetBatchByHash(ctx, hash)
}

// ListBatches applies filter and returns matching batches ordered by
// (agent_id, seq) ascending, per §4.6.
func (s *Service) ListBatches(ctx context.Context, filter store.Filter) ([]*store.StoredBatch, error) {
	return s.Store.ListBatches(ctx, filter)
}

// ExportResult is Export's response: the page of batches plus a JCS-based
// digest over that exact page, so a verifier pulling pages over an
// untrusted transport can confirm it received the bytes the server
// actually read, independent of each batch's own C(batch) hash.
type ExportResult struct {
	Batches      []*store.StoredBatch
	BundleDigest string
}

// Export returns up to limit batches with internal id greater than afterID,
// ordered by id, for resumable bulk export to a verifier.
func (s *Service) Export(ctx context.Context, afterID int64, limit int) (*ExportResult, error) {
	batches, err := s.Store.Export(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return &ExportResult{Batches: batches}, nil
	}
	digest, err := canonicalize.CanonicalHash(exportWireView(batches))
	if err != nil {
		return nil, fmt.Errorf("query: hashing export bundle: %w", err)
	}
	return &ExportResult{Batches: batches, BundleDigest: digest}, nil
}

// exportWireView flattens the fields that matter for bundle-integrity
// hashing into a JSON-friendly shape; it deliberately excludes ReceivedAt,
// which is server-local wall-clock metadata, not part of what a verifier
// is checking it received intact.
func exportWireView(batches []*store.StoredBatch) []map[string]any {
	out := make([]map[string]any, 0, len(batches))
	for _, b := range batches {
		out = append(out, map[string]any{
			"id":   b.ID,
			"hash": b.Batch.Hash,
			"wire": codec.ToWire(&b.Batch),
		})
	}
	return out
}

// CheckpointsResult is Checkpoints' response: the per-agent chain heads,
// a merkle root computed over them, and a JCS bundle digest over the same
// tuples for callers that want a plain hash rather than a merkle root.
type CheckpointsResult struct {
	Heads        []store.ChainHead
	MerkleRoot   string
	BundleDigest string
}

// Checkpoints returns the latest (agent_id, seq, hash) for every agent,
// plus a merkle root over that set. When the store holds no batches yet,
// MerkleRoot and BundleDigest are the empty string rather than an error.
func (s *Service) Checkpoints(ctx context.Context) (*CheckpointsResult, error) {
	heads, err := s.Store.Checkpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: listing checkpoints: %w", err)
	}
	if len(heads) == 0 {
		return &CheckpointsResult{Heads: heads}, nil
	}

	tree, err := merkle.Build(heads)
	if err != nil {
		return nil, fmt.Errorf("query: building merkle root: %w", err)
	}
	digest, err := canonicalize.CanonicalHash(heads)
	if err != nil {
		return nil, fmt.Errorf("query: hashing checkpoint bundle: %w", err)
	}
	return &CheckpointsResult{Heads: heads, MerkleRoot: tree.RootHex(), BundleDigest: digest}, nil
}
