// Package validator holds the public, non-secret contact record for a
// committee member, and a directory for looking one up by PartyId.
//
// In the full system this directory is populated from the chain's
// validator registry; that registration/confirmation logic is explicitly
// out of scope (spec.md §1), so ValidatorDirectory here is a narrow,
// swappable boundary: a static/config-loaded implementation for this
// runtime, trivially replaceable by a chain-backed one upstream.
package validator

import (
	"fmt"
	"sync"

	"github.com/silvanus-network/tss-node/party"
)

// Info is the public contact record for one committee member.
type Info struct {
	TssAccount    []byte // long-term Ed25519 verifying key
	X25519PubKey  [32]byte
	IPAddress     string
}

// PartyId derives this validator's PartyId from its signing key.
func (i Info) PartyId() party.ID {
	return party.FromVerifyingKey(i.TssAccount)
}

// Directory maps PartyId to Info, guarded by a mutex since it may be
// refreshed concurrently with lookups from in-flight sessions.
type Directory struct {
	mu   sync.RWMutex
	byID map[party.ID]Info
}

// NewDirectory builds a directory from a known validator set.
func NewDirectory(validators []Info) *Directory {
	d := &Directory{byID: make(map[party.ID]Info, len(validators))}
	for _, v := range validators {
		d.byID[v.PartyId()] = v
	}
	return d
}

// Lookup returns the Info for a PartyId, or false if unknown.
func (d *Directory) Lookup(id party.ID) (Info, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.byID[id]
	return v, ok
}

// Replace atomically swaps the directory's contents, e.g. after a
// membership change is observed upstream.
func (d *Directory) Replace(validators []Info) {
	byID := make(map[party.ID]Info, len(validators))
	for _, v := range validators {
		byID[v.PartyId()] = v
	}
	d.mu.Lock()
	d.byID = byID
	d.mu.Unlock()
}

// MustLookup is a convenience for call sites that have already validated
// membership and just want the record or a formatted error.
func (d *Directory) MustLookup(id party.ID) (Info, error) {
	v, ok := d.Lookup(id)
	if !ok {
		return Info{}, fmt.Errorf("validator: unknown party %s", id)
	}
	return v, nil
}
