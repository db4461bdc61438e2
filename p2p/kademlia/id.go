// Package kademlia implements a single-hop BitTorrent DHT (BEP 5) client:
// a k-bucket routing table keyed by XOR distance, a typed bencode message
// codec, and a transaction state machine that correlates outstanding UDP
// queries with their responses or timeouts.
package kademlia

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

const (
	// IDLength is the length of a node ID in bytes (160 bits).
	IDLength = 20
	// IDBits is the node ID width in bits.
	IDBits = IDLength * 8
)

// NodeID is a 160-bit DHT node identifier. Bit 0 is the most significant bit
// of byte 0.
type NodeID [IDLength]byte

// RandomNodeID returns a uniformly random node ID.
func RandomNodeID() NodeID {
	var id NodeID
	// crypto/rand.Read never fails on supported platforms
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("kademlia: read random node ID: %v", err))
	}
	return id
}

// NodeIDFromBytes copies b into a NodeID. Fails unless b is exactly 20 bytes.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDLength {
		return id, ErrWrongLength
	}
	copy(id[:], b)
	return id, nil
}

// Bit returns bit i of the ID, where bit 0 is the most significant bit of
// byte 0.
func (id NodeID) Bit(i int) bool {
	return id[i/8]&(1<<(7-uint(i%8))) != 0
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance is the bitwise XOR of two node IDs. It is never compared
// numerically; its only derived quantity is PrefixLen.
type Distance [IDLength]byte

// DistanceBetween returns the XOR distance between a and b.
func DistanceBetween(a, b NodeID) Distance {
	var d Distance
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// PrefixLen returns the number of leading zero bits of the distance, in the
// range 0..160. It is 160 only for the distance of an ID to itself, and it is
// the bucket index a node sorts into.
func (d Distance) PrefixLen() int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDBits
}
