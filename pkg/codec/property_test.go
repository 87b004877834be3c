//go:build property
// +build property

package codec_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/logchain/logchain/pkg/codec"
)

// TestCanonicalDeterminism verifies Canonical(b) == Canonical(b) for any
// syntactically valid batch: the codec must never depend on map iteration
// order, time of day, or any other hidden source of nondeterminism.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical encoding is deterministic", prop.ForAll(
		func(agentID string, seq uint64, ts int64, lines []string) bool {
			if agentID == "" || seq == 0 || len(lines) == 0 {
				return true
			}
			b := &codec.Batch{
				AgentID:   agentID,
				Seq:       seq,
				PrevHash:  codec.ZeroHash,
				Timestamp: ts,
				Lines:     lines,
			}
			if seq != 1 {
				b.PrevHash[0] = 1
			}
			if b.Validate() != nil {
				return true
			}
			return string(codec.Canonical(b)) == string(codec.Canonical(b))
		},
		gen.AlphaString(),
		gen.UInt64Range(1, 1<<32),
		gen.Int64Range(0, 1<<40),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalRoundTripsThroughWire verifies that encoding a batch to its
// JSON wire form and back, then computing Canonical, reproduces the same
// bytes as computing Canonical directly — the wire form must never be a
// second source of truth for hashing.
func TestCanonicalRoundTripsThroughWire(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("wire round trip preserves canonical bytes", prop.ForAll(
		func(agentID string, seq uint64, lines []string) bool {
			if agentID == "" || seq == 0 || len(lines) == 0 {
				return true
			}
			b := &codec.Batch{
				AgentID:   agentID,
				Seq:       seq,
				PrevHash:  codec.ZeroHash,
				Timestamp: 0,
				Lines:     lines,
			}
			if seq != 1 {
				b.PrevHash[0] = 1
			}
			if b.Validate() != nil {
				return true
			}

			wire := codec.ToWire(b)
			back, err := codec.FromWire(wire)
			if err != nil {
				return false
			}
			return string(codec.Canonical(b)) == string(codec.Canonical(back))
		},
		gen.AlphaString(),
		gen.UInt64Range(1, 1<<32),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
