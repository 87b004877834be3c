package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// WireBatch is the JSON representation of a Batch used by the HTTP surface.
// All binary fields travel as lower-case hexadecimal strings. The wire form
// is informational: hashing is always performed over Canonical(batch), not
// over these JSON bytes, so implementations must not depend on JSON key
// ordering for correctness.
type WireBatch struct {
	AgentID   string   `json:"agent_id"`
	Seq       uint64   `json:"seq"`
	PrevHash  string   `json:"prev_hash"`
	Timestamp int64    `json:"timestamp"`
	Lines     []string `json:"lines"`
	Hash      string   `json:"hash,omitempty"`
	Signature string   `json:"signature,omitempty"`
}

// ToWire converts a Batch into its JSON wire form.
func ToWire(b *Batch) *WireBatch {
	w := &WireBatch{
		AgentID:   b.AgentID,
		Seq:       b.Seq,
		PrevHash:  hex.EncodeToString(b.PrevHash[:]),
		Timestamp: b.Timestamp,
		Lines:     b.Lines,
	}
	if b.Hash != ([HashSize]byte{}) {
		w.Hash = hex.EncodeToString(b.Hash[:])
	}
	if b.Signature != ([SignatureSize]byte{}) {
		w.Signature = hex.EncodeToString(b.Signature[:])
	}
	return w
}

// FromWire parses a WireBatch into a Batch. It does not call Validate;
// callers are expected to validate the result before use.
func FromWire(w *WireBatch) (*Batch, error) {
	b := &Batch{
		AgentID:   w.AgentID,
		Seq:       w.Seq,
		Timestamp: w.Timestamp,
		Lines:     w.Lines,
	}

	prevHash, err := decodeFixed(w.PrevHash, HashSize, "prev_hash")
	if err != nil {
		return nil, err
	}
	copy(b.PrevHash[:], prevHash)

	if w.Hash != "" {
		hash, err := decodeFixed(w.Hash, HashSize, "hash")
		if err != nil {
			return nil, err
		}
		copy(b.Hash[:], hash)
	}

	if w.Signature != "" {
		sig, err := decodeFixed(w.Signature, SignatureSize, "signature")
		if err != nil {
			return nil, err
		}
		copy(b.Signature[:], sig)
	}

	return b, nil
}

func decodeFixed(s string, size int, field string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: %s is not valid hex: %w", field, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("codec: %s must decode to %d bytes, got %d", field, size, len(raw))
	}
	return raw, nil
}

// Submission is the full POST /submit request body: a batch, its
// signature, and an optional embedded public key used only the first time
// an agent is seen under trust-on-first-use policy.
type Submission struct {
	WireBatch
	PublicKey string `json:"public_key,omitempty"`
}

// UnmarshalSubmission decodes a POST /submit request body.
func UnmarshalSubmission(data []byte) (*Submission, error) {
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("codec: invalid submission JSON: %w", err)
	}
	return &s, nil
}

// DecodePublicKey decodes the optional TOFU public key, returning (nil,
// nil) when none was supplied.
func (s *Submission) DecodePublicKey() ([]byte, error) {
	if s.PublicKey == "" {
		return nil, nil
	}
	return decodeFixed(s.PublicKey, 32, "public_key")
}
