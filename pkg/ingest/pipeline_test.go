package ingest

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/crypto"
	"github.com/logchain/logchain/pkg/registry"
	"github.com/logchain/logchain/pkg/store"
)

func newFixture(t *testing.T, requireRegistration bool) (*Pipeline, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	reg := registry.NewMemoryRegistry(func(oldKey, newKey, sig []byte) (bool, error) {
		ok, err := crypto.Verify(hex.EncodeToString(oldKey), hex.EncodeToString(sig), newKey)
		return ok, err
	})
	st := store.NewMemoryChainStore()

	p := New(st, reg, requireRegistration)
	return p, pub, priv
}

func sign(t *testing.T, priv ed25519.PrivateKey, hash [32]byte) string {
	t.Helper()
	return hex.EncodeToString(ed25519.Sign(priv, hash[:]))
}

func submission(t *testing.T, agentID string, seq uint64, prevHash [codec.HashSize]byte, lines []string, ts int64, priv ed25519.PrivateKey, embedKey ed25519.PublicKey) *codec.Submission {
	t.Helper()
	b := &codec.Batch{
		AgentID:   agentID,
		Seq:       seq,
		PrevHash:  prevHash,
		Timestamp: ts,
		Lines:     lines,
	}
	hash := crypto.SHA256(codec.Canonical(b))
	w := codec.ToWire(b)
	w.Hash = hex.EncodeToString(hash[:])
	w.Signature = sign(t, priv, hash)

	sub := &codec.Submission{WireBatch: *w}
	if embedKey != nil {
		sub.PublicKey = hex.EncodeToString(embedKey)
	}
	return sub
}

func TestSubmit_S1HappyPath(t *testing.T) {
	p, pub, priv := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, p.Registry.Register(ctx, "a", pub))

	sub := submission(t, "a", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, nil)
	res, err := p.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	heads, err := p.Store.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, "a", heads[0].AgentID)
	assert.Equal(t, uint64(1), heads[0].LatestSeq)
	assert.Equal(t, res.Hash, heads[0].LatestHash)
}

func TestSubmit_S2ChainExtensionAndViolation(t *testing.T) {
	p, pub, priv := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, p.Registry.Register(ctx, "a", pub))

	sub1 := submission(t, "a", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, nil)
	res1, err := p.Submit(ctx, sub1)
	require.NoError(t, err)

	sub2 := submission(t, "a", 2, res1.Hash, []string{"world"}, 2000, priv, nil)
	res2, err := p.Submit(ctx, sub2)
	require.NoError(t, err)
	assert.False(t, res2.Duplicate)

	badSub := submission(t, "a", 2, codec.ZeroHash, []string{"evil"}, 2500, priv, nil)
	_, err = p.Submit(ctx, badSub)
	require.Error(t, err)
	var chainErr *store.ChainViolationError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, uint64(3), chainErr.ExpectedSeq)
	assert.Equal(t, res2.Hash, chainErr.ExpectedPrevHash)
}

func TestSubmit_S3DuplicateIsIdempotent(t *testing.T) {
	p, pub, priv := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, p.Registry.Register(ctx, "a", pub))

	sub := submission(t, "a", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, nil)
	res1, err := p.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res1.Duplicate)

	res2, err := p.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, res2.Duplicate)
	assert.Equal(t, res1.Hash, res2.Hash)

	heads, err := p.Store.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), heads[0].LatestSeq)
}

func TestSubmit_S4BadSignatureRejected(t *testing.T) {
	p, pub, priv := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, p.Registry.Register(ctx, "a", pub))

	sub := submission(t, "a", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, nil)
	sigBytes, err := hex.DecodeString(sub.Signature)
	require.NoError(t, err)
	sigBytes[0] ^= 0xFF
	sub.Signature = hex.EncodeToString(sigBytes)

	_, err = p.Submit(ctx, sub)
	require.ErrorIs(t, err, ErrBadSignature)

	heads, err := p.Store.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, heads)
}

func TestSubmit_S5RotationThenStaleKeyRejected(t *testing.T) {
	p, pub, priv := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, p.Registry.Register(ctx, "a", pub))

	sub1 := submission(t, "a", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, nil)
	res1, err := p.Submit(ctx, sub1)
	require.NoError(t, err)

	newPub, newPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	rotationSig := ed25519.Sign(priv, newPub)
	require.NoError(t, p.Registry.Rotate(ctx, "a", newPub, rotationSig))

	sub2 := submission(t, "a", 2, res1.Hash, []string{"world"}, 2000, newPriv, nil)
	res2, err := p.Submit(ctx, sub2)
	require.NoError(t, err)
	assert.False(t, res2.Duplicate)

	staleSub := submission(t, "a", 3, res2.Hash, []string{"stale"}, 3000, priv, nil)
	_, err = p.Submit(ctx, staleSub)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSubmit_TrustOnFirstUseBindsEmbeddedKey(t *testing.T) {
	p, pub, priv := newFixture(t, false)
	ctx := context.Background()

	sub := submission(t, "new-agent", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, pub)
	res, err := p.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	current, err := p.Registry.LookupCurrent(ctx, "new-agent")
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), current)
}

func TestSubmit_UnregisteredAgentRejectedUnderMandatoryPolicy(t *testing.T) {
	p, pub, priv := newFixture(t, true)
	ctx := context.Background()

	sub := submission(t, "new-agent", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, pub)
	_, err := p.Submit(ctx, sub)
	require.ErrorIs(t, err, ErrUnregisteredAgent)
}

func TestSubmit_MalformedBatchRejected(t *testing.T) {
	p, pub, priv := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, p.Registry.Register(ctx, "a", pub))

	sub := submission(t, "a", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, nil)
	sub.Lines = nil

	_, err := p.Submit(ctx, sub)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestSubmit_UsesInjectedClock(t *testing.T) {
	p, pub, priv := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, p.Registry.Register(ctx, "a", pub))

	fixed := time.Unix(1234567, 0)
	p.Clock = func() time.Time { return fixed }

	sub := submission(t, "a", 1, codec.ZeroHash, []string{"hello"}, 1000, priv, nil)
	res, err := p.Submit(ctx, sub)
	require.NoError(t, err)

	stored, err := p.Store.GetBatch(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), stored.ReceivedAt)
}
