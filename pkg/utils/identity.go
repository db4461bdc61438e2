// Package utils holds small shared helpers.
package utils

import "lukechampine.com/blake3"

// IdentityDigest hashes an identity seed string into 32 bytes. Callers take
// as many leading bytes as their ID width needs; the same seed always yields
// the same identity.
func IdentityDigest(seed string) []byte {
	sum := blake3.Sum256([]byte(seed))
	return sum[:]
}
