package ingest

import (
	"encoding/hex"
	"fmt"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecodeFixed(s string, size int) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ingest: signature is not valid hex: %w", err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("ingest: signature must decode to %d bytes, got %d", size, len(raw))
	}
	return raw, nil
}
