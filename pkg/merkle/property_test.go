//go:build property
// +build property

package merkle_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/merkle"
	"github.com/logchain/logchain/pkg/store"
)

// TestMerkleRootDeterminism mirrors the teacher's Merkle determinism
// property: Build(checkpoints) == Build(checkpoints) for any input.
func TestMerkleRootDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merkle root is deterministic", prop.ForAll(
		func(agentIDs []string, seqs []uint64) bool {
			n := len(agentIDs)
			if n == 0 || len(seqs) < n {
				return true
			}
			seen := map[string]bool{}
			var checkpoints []store.ChainHead
			for i := 0; i < n; i++ {
				if agentIDs[i] == "" || seen[agentIDs[i]] {
					continue
				}
				seen[agentIDs[i]] = true
				var h [codec.HashSize]byte
				h[0] = byte(i)
				checkpoints = append(checkpoints, store.ChainHead{AgentID: agentIDs[i], LatestSeq: seqs[i], LatestHash: h})
			}
			if len(checkpoints) == 0 {
				return true
			}

			tree1, err1 := merkle.Build(checkpoints)
			tree2, err2 := merkle.Build(checkpoints)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return tree1.Root == tree2.Root
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.UInt64Range(1, 1<<20)),
	))

	properties.TestingRun(t)
}
