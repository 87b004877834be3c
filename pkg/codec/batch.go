// Package codec defines the canonical byte representation of a batch — the
// single string over which both its content hash and its Ed25519 signature
// are computed — plus the JSON wire form used at the HTTP boundary.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// HashSize is the length in bytes of a batch digest and of prev_hash.
const HashSize = 32

// SignatureSize is the length in bytes of an Ed25519 signature.
const SignatureSize = 64

var (
	// ErrEmptyAgentID is returned when agent_id is the empty string.
	ErrEmptyAgentID = errors.New("codec: agent_id must not be empty")
	// ErrNoLines is returned when a batch carries zero lines.
	ErrNoLines = errors.New("codec: batch must contain at least one line")
	// ErrEmbeddedNUL is returned when a line contains a NUL byte.
	ErrEmbeddedNUL = errors.New("codec: line contains embedded NUL byte")
	// ErrZeroSeq is returned when seq is 0 (sequences start at 1).
	ErrZeroSeq = errors.New("codec: seq must be >= 1")
	// ErrBadPrevHashLen is returned when prev_hash is not exactly 32 bytes.
	ErrBadPrevHashLen = errors.New("codec: prev_hash must be exactly 32 bytes")
	// ErrPrevHashNotZero is returned when seq == 1 but prev_hash is non-zero.
	ErrPrevHashNotZero = errors.New("codec: prev_hash must be all-zero when seq == 1")
)

// ZeroHash is the all-zero 32-byte digest required as prev_hash for seq == 1.
var ZeroHash = [HashSize]byte{}

// Batch is the unit of ingestion and the node of a per-agent hash chain.
// Hash and Signature are populated once C(Batch) has been computed and
// signed; a Batch read back from storage carries both.
type Batch struct {
	AgentID   string
	Seq       uint64
	PrevHash  [HashSize]byte
	Timestamp int64 // milliseconds since epoch, advisory only
	Lines     []string
	Hash      [HashSize]byte
	Signature [SignatureSize]byte
}

// Validate checks the syntactic constraints from §3 of the data model:
// fields present and typed, lines non-empty, agent_id non-empty, seq >= 1,
// no embedded NUL, and prev_hash all-zero when seq == 1. An all-zero
// prev_hash on seq > 1 is not rejected here; it never matches a stored
// head, so the chain check rejects it. Validate does not check chain
// continuity against stored state — that is the Chain Store's job.
func (b *Batch) Validate() error {
	if b.AgentID == "" {
		return ErrEmptyAgentID
	}
	if b.Seq == 0 {
		return ErrZeroSeq
	}
	if len(b.Lines) == 0 {
		return ErrNoLines
	}
	for _, line := range b.Lines {
		if strings.IndexByte(line, 0) >= 0 {
			return ErrEmbeddedNUL
		}
	}
	isZero := b.PrevHash == ZeroHash
	if b.Seq == 1 && !isZero {
		return ErrPrevHashNotZero
	}
	return nil
}

// Canonical returns C(batch): the deterministic, version-stable byte
// string over which Hash and Signature are computed. It concatenates
// length-prefixed fields in a fixed order:
//
//	agent_id   — 4-byte big-endian length, then UTF-8 bytes
//	seq        — 8-byte big-endian
//	prev_hash  — raw 32 bytes
//	timestamp  — 8-byte big-endian two's-complement
//	lines      — 4-byte count, then each line as 4-byte length + UTF-8 bytes
//
// Canonical never validates b; callers should call Validate first so that
// malformed batches fail with a typed error instead of a confusing hash
// mismatch.
func Canonical(b *Batch) []byte {
	var buf bytes.Buffer

	agentBytes := []byte(b.AgentID)
	writeU32(&buf, uint32(len(agentBytes)))
	buf.Write(agentBytes)

	writeU64(&buf, b.Seq)
	buf.Write(b.PrevHash[:])
	writeI64(&buf, b.Timestamp)

	writeU32(&buf, uint32(len(b.Lines)))
	for _, line := range b.Lines {
		lb := []byte(line)
		writeU32(&buf, uint32(len(lb)))
		buf.Write(lb)
	}

	return buf.Bytes()
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	writeU64(buf, uint64(v))
}

// DecodeCanonical parses a C(batch) byte string back into a Batch, without
// Hash or Signature populated (those are carried alongside the encoding,
// never inside it). Used by tests that assert round-trip determinism.
func DecodeCanonical(data []byte) (*Batch, error) {
	r := bytes.NewReader(data)
	b := &Batch{}

	agentLen, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("codec: reading agent_id length: %w", err)
	}
	agentBytes := make([]byte, agentLen)
	if _, err := readFull(r, agentBytes); err != nil {
		return nil, fmt.Errorf("codec: reading agent_id: %w", err)
	}
	b.AgentID = string(agentBytes)

	seq, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("codec: reading seq: %w", err)
	}
	b.Seq = seq

	if _, err := readFull(r, b.PrevHash[:]); err != nil {
		return nil, fmt.Errorf("codec: reading prev_hash: %w", err)
	}

	ts, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("codec: reading timestamp: %w", err)
	}
	b.Timestamp = int64(ts)

	lineCount, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("codec: reading line count: %w", err)
	}
	lines := make([]string, 0, lineCount)
	for i := uint32(0); i < lineCount; i++ {
		lineLen, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("codec: reading line %d length: %w", i, err)
		}
		lb := make([]byte, lineLen)
		if _, err := readFull(r, lb); err != nil {
			return nil, fmt.Errorf("codec: reading line %d: %w", i, err)
		}
		lines = append(lines, string(lb))
	}
	b.Lines = lines

	if r.Len() != 0 {
		return nil, fmt.Errorf("codec: %d trailing bytes after decoding batch", r.Len())
	}

	return b, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read: wanted %d bytes, got %d", len(buf), n)
	}
	return n, nil
}
