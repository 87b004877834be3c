// Package merkle builds an optional Merkle tree over a server's checkpoint
// set, giving a verifier a single root hash to compare against before
// deciding whether a full chain replay is worth the bandwidth. It is an
// integrity aid layered on top of the Query & Export Surface, not part of
// the core chain invariants.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/logchain/logchain/pkg/store"
)

// ErrEmptyInput is returned when building a tree over zero checkpoints.
var ErrEmptyInput = errors.New("merkle: at least one checkpoint is required")

// Leaf is one checkpoint's contribution to the tree: its hash is
// SHA-256(agent_id || latest_seq || latest_hash).
type Leaf struct {
	AgentID string
	Hash    [32]byte
}

// Tree is a bottom-up binary Merkle tree over a sorted set of leaves.
type Tree struct {
	Leaves []Leaf
	levels [][][32]byte // levels[0] is the leaf level
	Root   [32]byte
}

// InclusionProof lets a verifier confirm a single agent's checkpoint was
// included in Root without needing the full checkpoint set.
type InclusionProof struct {
	AgentID  string
	LeafHash [32]byte
	Siblings [][32]byte
	// LeftMask has bit i set if the sibling at Siblings[i] is the left
	// node (so the proof consumer concatenates sibling||running instead
	// of running||sibling at that level).
	LeftMask []bool
}

func leafHash(agentID string, head store.ChainHead) [32]byte {
	h := sha256.New()
	h.Write([]byte(agentID))
	var seqBuf [8]byte
	putUint64(seqBuf[:], head.LatestSeq)
	h.Write(seqBuf[:])
	h.Write(head.LatestHash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// Build constructs a Tree over checkpoints, sorted by agent_id so that the
// tree (and therefore Root) is deterministic regardless of input order.
func Build(checkpoints []store.ChainHead) (*Tree, error) {
	if len(checkpoints) == 0 {
		return nil, ErrEmptyInput
	}

	sorted := append([]store.ChainHead(nil), checkpoints...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	leaves := make([]Leaf, len(sorted))
	level := make([][32]byte, len(sorted))
	for i, cp := range sorted {
		h := leafHash(cp.AgentID, cp)
		leaves[i] = Leaf{AgentID: cp.AgentID, Hash: h}
		level[i] = h
	}

	levels := [][][32]byte{level}
	for len(level) > 1 {
		level = nextLevel(level)
		levels = append(levels, level)
	}

	return &Tree{Leaves: leaves, levels: levels, Root: levels[len(levels)-1][0]}, nil
}

// nextLevel pairs up adjacent hashes and hashes the concatenation; an odd
// node out is promoted unchanged, matching the common "duplicate last node"
// alternative's simpler cousin used by the teacher's tree builder.
func nextLevel(level [][32]byte) [][32]byte {
	out := make([][32]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			out = append(out, level[i])
			continue
		}
		out = append(out, hashPair(level[i], level[i+1]))
	}
	return out
}

func hashPair(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RootHex returns the tree's root as a lower-case hex string, the form
// returned to HTTP clients.
func (t *Tree) RootHex() string { return hex.EncodeToString(t.Root[:]) }

// GenerateProof returns an inclusion proof for agentID, or an error if no
// leaf matches.
func (t *Tree) GenerateProof(agentID string) (*InclusionProof, error) {
	idx := -1
	for i, l := range t.Leaves {
		if l.AgentID == agentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errors.New("merkle: agent not present in this tree")
	}

	proof := &InclusionProof{AgentID: agentID, LeafHash: t.Leaves[idx].Hash}
	pos := idx
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var siblingIdx int
		var siblingIsLeft bool
		if pos%2 == 0 {
			siblingIdx = pos + 1
			siblingIsLeft = false
		} else {
			siblingIdx = pos - 1
			siblingIsLeft = true
		}
		if siblingIdx < len(nodes) {
			proof.Siblings = append(proof.Siblings, nodes[siblingIdx])
			proof.LeftMask = append(proof.LeftMask, siblingIsLeft)
		}
		pos /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from proof and compares it to root.
func VerifyProof(proof InclusionProof, root [32]byte) bool {
	running := proof.LeafHash
	for i, sibling := range proof.Siblings {
		if proof.LeftMask[i] {
			running = hashPair(sibling, running)
		} else {
			running = hashPair(running, sibling)
		}
	}
	return running == root
}
