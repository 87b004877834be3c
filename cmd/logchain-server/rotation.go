package main

import (
	"encoding/hex"

	"github.com/logchain/logchain/pkg/crypto"
	"github.com/redis/go-redis/v9"
)

// verifyRotation is the registry.RotationVerifier wired into the server's
// SQL-backed registry: a rotation is authentic when rotation_signature
// verifies new_public_key under old_key.
func verifyRotation(oldKey, newKey, signature []byte) (bool, error) {
	return crypto.Verify(hex.EncodeToString(oldKey), hex.EncodeToString(signature), newKey)
}

func newRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}
