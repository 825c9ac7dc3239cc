// Package mpc defines the boundary to the external threshold-ECDSA
// library (spec.md calls this the "MPCLibrary"): the runtime drives an
// opaque multi-round session through this interface without knowing or
// caring how the cryptography inside it works.
//
// TSSAdapter (adapter.go) is the concrete binding over
// github.com/binance-chain/tss-lib's LocalParty/tss.Message API; the
// SessionDriver in package driver only ever sees the Session interface
// below, matching the pseudocode in spec.md §4.4 exactly.
package mpc

import (
	"io"
)

// Outbound is one outgoing message a session round produced. A nil To
// means broadcast; otherwise To is an index into the driver's committee
// ordering (spec.md §4.4's index_of mapping).
type Outbound struct {
	To      *int
	Payload []byte
}

// Session is one round's handle: after starting, it dispatches Outbound
// messages, then drains cached messages and receives live ones until it
// can finalize.
type Session interface {
	// StartReceiving begins the round, returning the Receiving handle for
	// this round and the messages to dispatch (broadcast + direct).
	StartReceiving(rng io.Reader) (Receiving, []Outbound, error)
}

// Receiving is the in-progress receive state for one round.
type Receiving interface {
	// HasCachedMessages reports whether messages for this round arrived
	// early, during the previous round, and are cached for replay.
	HasCachedMessages() bool
	// ReceiveCachedMessage replays one cached message into the round.
	// Must be called only when HasCachedMessages is true.
	ReceiveCachedMessage() error
	// CanFinalize reports whether enough messages have been received to
	// finalize this round.
	CanFinalize() bool
	// Receive feeds one live inbound message, identified by the sender's
	// committee index, into the round.
	Receive(fromIndex int, payload []byte) error
	// Finalize completes the round, yielding either a terminal Outcome or
	// the next round's Session.
	Finalize(rng io.Reader) (Outcome, error)
}

// Outcome is the result of finalizing a round: exactly one of Result or
// NextRound is set.
type Outcome struct {
	Result    *Result
	NextRound Session
}

// Done reports whether this outcome is terminal.
func (o Outcome) Done() bool { return o.Result != nil }

// Result is the terminal output of a session.
type Result struct {
	// Signature is set for signing sessions: a recoverable ECDSA
	// signature (r, s, recid) over the session's prehashed message.
	Signature *RecoverableSignature
	// KeyShare is set for DKG and proactive-refresh sessions: the
	// party's opaque, updated share, handed to the KeyshareStore.
	KeyShare []byte
	// VerifyingKey is set alongside KeyShare for DKG sessions: the new
	// committee's shared verifying key (SEC1-compressed).
	VerifyingKey []byte
}

// RecoverableSignature is an ECDSA (r, s, recovery_id) triple that,
// together with the message hash, lets any verifier recompute the
// verifying key (spec.md §8, invariant 2).
type RecoverableSignature struct {
	R, S  [32]byte
	RecID byte
}
