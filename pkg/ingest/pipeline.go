// Package ingest implements the Ingestion Pipeline of §4.5: the single
// writer to the Chain Store, running syntactic validation, key resolution,
// signature verification, duplicate detection, and chain-continuity
// checking as one logical transaction per submission.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/logchain/logchain/pkg/codec"
	"github.com/logchain/logchain/pkg/crypto"
	"github.com/logchain/logchain/pkg/registry"
	"github.com/logchain/logchain/pkg/store"
)

var (
	// ErrMalformed covers syntactic validation failures (§4.5 step 1):
	// missing/mistyped fields, empty lines, embedded NUL, etc.
	ErrMalformed = errors.New("ingest: malformed submission")
	// ErrUnregisteredAgent is returned when require_registration is set
	// and agent_id has never been registered.
	ErrUnregisteredAgent = errors.New("ingest: agent is not registered")
	// ErrBadSignature is returned when signature does not verify against
	// hash under the resolved public key.
	ErrBadSignature = errors.New("ingest: signature does not verify")
)

// Verifier abstracts Ed25519 verification so tests can stub it; production
// callers pass crypto.Verify.
type Verifier func(publicKeyHex, signatureHex string, data []byte) (bool, error)

// Pipeline is the Ingestion Pipeline. It is safe for concurrent use: each
// Submit call owns its own transaction against the underlying Chain Store
// and Registry, and submissions for different agents never serialize with
// each other (§5).
type Pipeline struct {
	Store               store.ChainStore
	Registry             registry.Registry
	RequireRegistration  bool
	Verify               Verifier
	Clock                func() time.Time
}

// New builds a Pipeline with production defaults (crypto.Verify, wall
// clock).
func New(chainStore store.ChainStore, reg registry.Registry, requireRegistration bool) *Pipeline {
	return &Pipeline{
		Store:               chainStore,
		Registry:             reg,
		RequireRegistration:  requireRegistration,
		Verify:               crypto.Verify,
		Clock:                time.Now,
	}
}

// Result is what Submit returns to the HTTP surface: the stored batch's
// internal id, its content hash, and whether this call observed an
// idempotent duplicate rather than a fresh commit.
type Result struct {
	ID        int64
	Hash      [codec.HashSize]byte
	Duplicate bool
}

// Submit runs the full six-step flow of §4.5 against a decoded submission.
func (p *Pipeline) Submit(ctx context.Context, sub *codec.Submission) (*Result, error) {
	// Step 1: syntactic validation.
	batch, err := codec.FromWire(&sub.WireBatch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	embeddedKey, err := sub.DecodePublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Step 2: key resolution.
	resolvedKey, tofuPending, err := p.resolveKey(ctx, batch.AgentID, embeddedKey)
	if err != nil {
		return nil, err
	}

	// Step 3: signature verification. hash is always recomputed from
	// C(batch); a client-submitted hash field is informational only and
	// is never trusted for this check.
	hash := crypto.SHA256(codec.Canonical(batch))
	batch.Hash = hash

	if sub.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	ok, err := p.Verify(hexEncode(resolvedKey), sub.Signature, hash[:])
	if err != nil {
		if errors.Is(err, crypto.ErrMalformedKey) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("ingest: verifying signature: %w", err)
	}
	if !ok {
		return nil, ErrBadSignature
	}
	sigBytes, err := hexDecodeFixed(sub.Signature, codec.SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	copy(batch.Signature[:], sigBytes)

	// Step 6 (TOFU half): bind the agent to the embedded key before the
	// batch commit, so Append's chain check observes a registered agent
	// either way. Rotate and re-registration races are caught by
	// ErrAlreadyRegistered, which we fold into "someone else won the
	// race to register this agent": the batch proceeds only if the key
	// they registered is the one actually verified above, so TOFU never
	// replaces a key that is already bound.
	if tofuPending {
		if err := p.Registry.Register(ctx, batch.AgentID, resolvedKey); err != nil {
			if !errors.Is(err, registry.ErrAlreadyRegistered) {
				return nil, fmt.Errorf("ingest: binding agent on first submission: %w", err)
			}
			current, lookupErr := p.Registry.LookupCurrent(ctx, batch.AgentID)
			if lookupErr != nil {
				return nil, fmt.Errorf("ingest: resolving agent key: %w", lookupErr)
			}
			if string(current) != string(resolvedKey) {
				return nil, ErrBadSignature
			}
		}
	}

	// Steps 4-5-6: duplicate check, chain check, and commit are all
	// performed atomically inside the Chain Store.
	stored, err := p.Store.Append(ctx, batch, p.Clock().UnixMilli())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			// Append returns the existing row when it notices the
			// duplicate up front, but leaves it nil when a concurrent
			// writer won the race and the unique constraint caught it
			// at insert time instead; either way the batch is already
			// durably stored, so look it up.
			if stored == nil {
				stored, err = p.Store.GetBatchByHash(ctx, hash)
				if err != nil {
					return nil, fmt.Errorf("ingest: resolving duplicate batch: %w", err)
				}
			}
			return &Result{ID: stored.ID, Hash: stored.Batch.Hash, Duplicate: true}, nil
		}
		var chainErr *store.ChainViolationError
		if errors.As(err, &chainErr) {
			return nil, chainErr
		}
		return nil, fmt.Errorf("ingest: committing batch: %w", err)
	}

	return &Result{ID: stored.ID, Hash: stored.Batch.Hash, Duplicate: false}, nil
}

// resolveKey implements step 2: use the registered key if one exists;
// otherwise, under TOFU, accept the embedded key as a pending binding;
// under mandatory registration, fail.
func (p *Pipeline) resolveKey(ctx context.Context, agentID string, embeddedKey []byte) (key []byte, tofuPending bool, err error) {
	current, err := p.Registry.LookupCurrent(ctx, agentID)
	if err == nil {
		return current, false, nil
	}
	if !errors.Is(err, registry.ErrUnknownAgent) {
		return nil, false, fmt.Errorf("ingest: resolving agent key: %w", err)
	}

	if p.RequireRegistration {
		return nil, false, ErrUnregisteredAgent
	}
	if len(embeddedKey) == 0 {
		return nil, false, fmt.Errorf("%w: unregistered agent must embed a public_key for trust-on-first-use", ErrMalformed)
	}
	return embeddedKey, true, nil
}
