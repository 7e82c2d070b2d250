// Package util provides shared utility functions.
package util

import "hash/fnv"

// IdentityHash computes a stable 4-byte hash of a peer identity string.
// It is used to derive fallback connection handles for senders that have
// not completed the handshake, so the result only needs to be deterministic,
// not reversible.
func IdentityHash(identity string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return h.Sum32()
}
