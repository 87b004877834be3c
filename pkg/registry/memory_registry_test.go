package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysVerify(ok bool) RotationVerifier {
	return func(oldKey, newKey, signature []byte) (bool, error) { return ok, nil }
}

func TestMemoryRegistry_RegisterThenLookup(t *testing.T) {
	r := NewMemoryRegistry(alwaysVerify(true))
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "agent-1", []byte("key-a")))

	key, err := r.LookupCurrent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-a"), key)
}

func TestMemoryRegistry_RegisterTwiceFails(t *testing.T) {
	r := NewMemoryRegistry(alwaysVerify(true))
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "agent-1", []byte("key-a")))
	err := r.Register(ctx, "agent-1", []byte("key-b"))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestMemoryRegistry_LookupUnknownAgent(t *testing.T) {
	r := NewMemoryRegistry(alwaysVerify(true))
	_, err := r.LookupCurrent(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestMemoryRegistry_RotateSucceedsAndArchivesOldKey(t *testing.T) {
	r := NewMemoryRegistry(alwaysVerify(true))
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "agent-1", []byte("key-a")))

	require.NoError(t, r.Rotate(ctx, "agent-1", []byte("key-b"), []byte("sig")))

	key, err := r.LookupCurrent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-b"), key)

	agent, err := r.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, agent.Rotations, 1)
	assert.Equal(t, []byte("key-a"), agent.Rotations[0].OldKey)
	assert.Equal(t, []byte("key-b"), agent.Rotations[0].NewKey)
}

func TestMemoryRegistry_RotateUnknownAgent(t *testing.T) {
	r := NewMemoryRegistry(alwaysVerify(true))
	err := r.Rotate(context.Background(), "ghost", []byte("key-b"), []byte("sig"))
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestMemoryRegistry_RotateBadSignatureRejected(t *testing.T) {
	r := NewMemoryRegistry(alwaysVerify(false))
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "agent-1", []byte("key-a")))

	err := r.Rotate(ctx, "agent-1", []byte("key-b"), []byte("bad-sig"))
	assert.ErrorIs(t, err, ErrBadRotationSignature)

	key, err := r.LookupCurrent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-a"), key, "current key must be unchanged after a rejected rotation")
}

func TestMemoryRegistry_LookupAtReconstructsHistoricalKey(t *testing.T) {
	r := NewMemoryRegistry(alwaysVerify(true))
	ctx := context.Background()
	r.nowFn = func() time.Time { return time.Unix(1000, 0) }
	require.NoError(t, r.Register(ctx, "agent-1", []byte("key-a")))

	r.nowFn = func() time.Time { return time.Unix(2000, 0) }
	require.NoError(t, r.Rotate(ctx, "agent-1", []byte("key-b"), []byte("sig")))

	r.nowFn = func() time.Time { return time.Unix(3000, 0) }
	require.NoError(t, r.Rotate(ctx, "agent-1", []byte("key-c"), []byte("sig")))

	beforeFirstRotation, err := r.LookupAt(ctx, "agent-1", time.Unix(1500, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("key-a"), beforeFirstRotation)

	betweenRotations, err := r.LookupAt(ctx, "agent-1", time.Unix(2500, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("key-b"), betweenRotations)

	afterLastRotation, err := r.LookupAt(ctx, "agent-1", time.Unix(3500, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("key-c"), afterLastRotation)
}
