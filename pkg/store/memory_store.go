package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/logchain/logchain/pkg/codec"
)

// MemoryChainStore is a thread-safe, in-process ChainStore, grounded on the
// teacher's mutex-protected slice-plus-maps audit store. It is used by unit
// tests; production deployments and the verify CLI use SQLChainStore, the
// durable, trigger-enforced variant.
type MemoryChainStore struct {
	mu       sync.RWMutex
	batches  []*StoredBatch
	byHash   map[[codec.HashSize]byte]*StoredBatch
	byID     map[int64]*StoredBatch
	heads    map[string]*ChainHead
	nextID   int64
}

func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{
		byHash: make(map[[codec.HashSize]byte]*StoredBatch),
		byID:   make(map[int64]*StoredBatch),
		heads:  make(map[string]*ChainHead),
		nextID: 1,
	}
}

func (s *MemoryChainStore) Append(_ context.Context, batch *codec.Batch, receivedAtMillis int64) (*StoredBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byHash[batch.Hash]; ok {
		return existing, ErrDuplicateHash
	}

	head := s.heads[batch.AgentID]
	var expectedSeq uint64 = 1
	expectedPrev := codec.ZeroHash
	if head != nil {
		expectedSeq = head.LatestSeq + 1
		expectedPrev = head.LatestHash
	}
	if batch.Seq != expectedSeq || batch.PrevHash != expectedPrev {
		return nil, &ChainViolationError{ExpectedSeq: expectedSeq, ExpectedPrevHash: expectedPrev}
	}

	stored := &StoredBatch{
		ID:         s.nextID,
		Batch:      *batch,
		ReceivedAt: receivedAtMillis,
	}
	s.nextID++

	s.batches = append(s.batches, stored)
	s.byHash[batch.Hash] = stored
	s.byID[stored.ID] = stored
	s.heads[batch.AgentID] = &ChainHead{AgentID: batch.AgentID, LatestSeq: batch.Seq, LatestHash: batch.Hash}

	return stored, nil
}

func (s *MemoryChainStore) GetBatch(_ context.Context, id int64) (*StoredBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *MemoryChainStore) GetBatchByHash(_ context.Context, hash [codec.HashSize]byte) (*StoredBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *MemoryChainStore) ChainHead(_ context.Context, agentID string) (*ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.heads[agentID]
	if !ok {
		return nil, nil
	}
	clone := *head
	return &clone, nil
}

func (s *MemoryChainStore) ListBatches(_ context.Context, filter Filter) ([]*StoredBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*StoredBatch, 0, len(s.batches))
	for _, b := range s.batches {
		if !filterMatches(filter, b) {
			continue
		}
		matched = append(matched, b)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Batch.AgentID != matched[j].Batch.AgentID {
			return matched[i].Batch.AgentID < matched[j].Batch.AgentID
		}
		return matched[i].Batch.Seq < matched[j].Batch.Seq
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func filterMatches(f Filter, b *StoredBatch) bool {
	if f.AgentID != "" && b.Batch.AgentID != f.AgentID {
		return false
	}
	if f.SinceSeq > 0 && b.Batch.Seq < f.SinceSeq {
		return false
	}
	if f.SinceTimestamp != nil && b.Batch.Timestamp < *f.SinceTimestamp {
		return false
	}
	if f.UntilTimestamp != nil && b.Batch.Timestamp > *f.UntilTimestamp {
		return false
	}
	if f.LogSubstring != "" {
		found := false
		for _, line := range b.Batch.Lines {
			if strings.Contains(line, f.LogSubstring) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryChainStore) Checkpoints(_ context.Context) ([]ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ChainHead, 0, len(s.heads))
	for _, h := range s.heads {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryChainStore) Export(_ context.Context, afterID int64, limit int) ([]*StoredBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*StoredBatch, 0, limit)
	for _, b := range s.batches {
		if b.ID <= afterID {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
