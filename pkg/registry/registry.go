// Package registry maps agent identifiers to their current Ed25519 public
// key, keeping a full history of key rotations so historical batches can be
// re-verified under the key that was current when they were ingested.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAlreadyRegistered is returned by Register when agent_id already
	// has a key on file. The registry never overwrites via Register.
	ErrAlreadyRegistered = errors.New("registry: agent already registered")
	// ErrUnknownAgent is returned by Rotate and LookupCurrent/LookupAt
	// when agent_id has never been registered.
	ErrUnknownAgent = errors.New("registry: unknown agent")
	// ErrBadRotationSignature is returned by Rotate when the submitted
	// rotation_signature does not verify the new key under the old one.
	ErrBadRotationSignature = errors.New("registry: rotation signature does not verify under current key")
)

// Rotation records a single key rotation event for an agent.
type Rotation struct {
	OldKey    []byte
	NewKey    []byte
	RotatedAt time.Time
	Signature []byte
}

// Agent is the full record for one agent: its current key plus the
// complete history of rotations that produced it.
type Agent struct {
	AgentID      string
	CurrentKey   []byte
	RegisteredAt time.Time
	Rotations    []Rotation
}

// RotationVerifier verifies that rotationSignature authenticates newKey
// under oldKey. Production registries wire this to crypto.Verify; tests may
// stub it to isolate registry logic from signature mechanics.
type RotationVerifier func(oldKey, newKey, signature []byte) (bool, error)

// Registry is the Agent Registry of §4.3: Register, Rotate, LookupCurrent,
// LookupAt, and Get. The require_registration policy knob is not part of
// this interface; it is a field of the ingestion pipeline.
type Registry interface {
	// Register binds agentID to publicKey for the first time. It fails
	// with ErrAlreadyRegistered if agentID already has a key on file.
	Register(ctx context.Context, agentID string, publicKey []byte) error

	// Rotate replaces agentID's current key with newPublicKey, provided
	// rotationSignature verifies newPublicKey under the currently
	// registered key. The old key is archived with its validity end time.
	Rotate(ctx context.Context, agentID string, newPublicKey, rotationSignature []byte) error

	// LookupCurrent returns the key currently registered for agentID, or
	// ErrUnknownAgent.
	LookupCurrent(ctx context.Context, agentID string) ([]byte, error)

	// LookupAt returns the key that was current for agentID at time t,
	// used only during re-verification of historical batches.
	LookupAt(ctx context.Context, agentID string, t time.Time) ([]byte, error)

	// Get returns the full agent record, or ErrUnknownAgent.
	Get(ctx context.Context, agentID string) (*Agent, error)
}

// MemoryRegistry is a thread-safe, in-process Registry, grounded on the
// teacher's map-plus-mutex store idiom. It is the default registry for
// tests and for single-process deployments fronting an in-memory Chain
// Store.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	verifyFn RotationVerifier
	nowFn    func() time.Time
}

// NewMemoryRegistry constructs an empty registry. verifyFn authenticates
// rotation signatures.
func NewMemoryRegistry(verifyFn RotationVerifier) *MemoryRegistry {
	return &MemoryRegistry{
		agents:   make(map[string]*Agent),
		verifyFn: verifyFn,
		nowFn:    time.Now,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, agentID string, publicKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; ok {
		return ErrAlreadyRegistered
	}
	r.agents[agentID] = &Agent{
		AgentID:      agentID,
		CurrentKey:   append([]byte(nil), publicKey...),
		RegisteredAt: r.nowFn(),
	}
	return nil
}

func (r *MemoryRegistry) Rotate(_ context.Context, agentID string, newPublicKey, rotationSignature []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}

	verified, err := r.verifyFn(agent.CurrentKey, newPublicKey, rotationSignature)
	if err != nil {
		return err
	}
	if !verified {
		return ErrBadRotationSignature
	}

	agent.Rotations = append(agent.Rotations, Rotation{
		OldKey:    agent.CurrentKey,
		NewKey:    append([]byte(nil), newPublicKey...),
		RotatedAt: r.nowFn(),
		Signature: append([]byte(nil), rotationSignature...),
	})
	agent.CurrentKey = append([]byte(nil), newPublicKey...)
	return nil
}

func (r *MemoryRegistry) LookupCurrent(_ context.Context, agentID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	return agent.CurrentKey, nil
}

func (r *MemoryRegistry) LookupAt(_ context.Context, agentID string, t time.Time) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	return keyAtTime(agent, t), nil
}

func (r *MemoryRegistry) Get(_ context.Context, agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	clone := *agent
	clone.Rotations = append([]Rotation(nil), agent.Rotations...)
	return &clone, nil
}

// keyAtTime walks the rotation history in chronological order and returns
// whichever key was current at t. History is bounded by the number of
// rotations an agent has ever performed, so a linear scan suffices.
func keyAtTime(agent *Agent, t time.Time) []byte {
	rotations := append([]Rotation(nil), agent.Rotations...)
	sort.Slice(rotations, func(i, j int) bool { return rotations[i].RotatedAt.Before(rotations[j].RotatedAt) })

	for _, rot := range rotations {
		if t.Before(rot.RotatedAt) {
			return rot.OldKey
		}
	}
	return agent.CurrentKey
}
