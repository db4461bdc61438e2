package kademlia

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TxID correlates a query to its response. Locally generated IDs are always
// two alphabetic bytes; peers may use byte strings of any length, which are
// carried through untouched. The underlying string compares and hashes on raw
// byte content, so a peer echoing our short ID always matches.
type TxID string

// txIDLength is the length of locally generated transaction IDs.
const txIDLength = 2

// NewTxID returns a fresh transaction ID of two random bytes drawn from
// a-z/A-Z.
func NewTxID() TxID {
	var raw [txIDLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("kademlia: read random tx ID: %v", err))
	}
	for i, b := range raw {
		n := b % 52
		if n < 26 {
			raw[i] = 'A' + n
		} else {
			raw[i] = 'a' + n - 26
		}
	}
	return TxID(raw[:])
}

func (t TxID) String() string {
	return hex.EncodeToString([]byte(t))
}
