// Package party defines PartyId, the session-stable identifier bound to a
// committee member's long-term signing key.
package party

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// ID is an opaque, totally-ordered identifier derived from a party's
// long-term Ed25519 verifying key. It is immutable within a session and
// safe to use as a map key.
type ID [32]byte

// FromVerifyingKey derives a PartyId from a party's long-term signing
// public key.
func FromVerifyingKey(verifyingKey []byte) ID {
	return ID(sha256.Sum256(verifyingKey))
}

// String returns the hex encoding of the id, for logs and diagnostics.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Less gives PartyId a total order, used to build deterministic committee
// orderings independent of map iteration order.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Equal reports whether two ids are identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Sort orders a slice of ids ascending, in place.
func Sort(ids []ID) {
	// insertion sort: committees are small (tens of parties at most)
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
