package events

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// idempotencyKeyLen is the number of hex characters kept from the hash.
// 128 bits of hash keep collisions across the event corpus negligible.
const idempotencyKeyLen = 32

// IdempotencyKey derives the deterministic key for the logical operation an
// event represents. The non-empty components are joined by ":" in the fixed
// order (type, session, task, epic, extra), which is part of the wire
// contract, then hashed with SHA-256 and truncated to 32 lowercase hex
// characters. Publisher and consumer derive identical keys, which is what
// makes deduplication deterministic.
func IdempotencyKey(typ EventType, sessionID, taskID, epicID, extra string) string {
	parts := make([]string, 0, 5)
	parts = append(parts, string(typ), sessionID)
	if taskID != "" {
		parts = append(parts, taskID)
	}
	if epicID != "" {
		parts = append(parts, epicID)
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:idempotencyKeyLen]
}
