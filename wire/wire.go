// Package wire defines the binary messages that cross the encrypted
// transport: the SubscribeMessage carried in the third noise-XK
// handshake payload, the acceptance frame sent back over the freshly
// established transport, and the ProtocolMessage envelope that carries
// every MPC round message thereafter.
//
// Encoding is CBOR (github.com/fxamacker/cbor/v2): a reflection-based,
// codegen-free format, grounded on luxfi-threshold's use of the same
// library for its own threshold-protocol wire messages.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/silvanus-network/tss-node/party"
)

// SubscribeMessage is the first logical message on a channel: it proves
// the subscriber's committee membership and binds the channel to a
// SessionId.
type SubscribeMessage struct {
	SessionIdDigest [32]byte
	PartyId         party.ID
	Signature       [64]byte // signature over SessionIdDigest by PartyId's signing key
}

// Marshal encodes a SubscribeMessage for the noise handshake payload.
func (m SubscribeMessage) Marshal() ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal subscribe message: %w", err)
	}
	return b, nil
}

// UnmarshalSubscribeMessage decodes a SubscribeMessage from a handshake
// payload.
func UnmarshalSubscribeMessage(b []byte) (SubscribeMessage, error) {
	var m SubscribeMessage
	if err := cbor.Unmarshal(b, &m); err != nil {
		return SubscribeMessage{}, fmt.Errorf("wire: unmarshal subscribe message: %w", err)
	}
	return m, nil
}

// SubscribeResult is the responder's first post-handshake frame,
// indicating whether the subscription was accepted.
type SubscribeResult struct {
	Err string // empty on success
}

// Marshal encodes a SubscribeResult.
func (r SubscribeResult) Marshal() ([]byte, error) {
	b, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal subscribe result: %w", err)
	}
	return b, nil
}

// UnmarshalSubscribeResult decodes a SubscribeResult frame.
func UnmarshalSubscribeResult(b []byte) (SubscribeResult, error) {
	var r SubscribeResult
	if err := cbor.Unmarshal(b, &r); err != nil {
		return SubscribeResult{}, fmt.Errorf("wire: unmarshal subscribe result: %w", err)
	}
	return r, nil
}

// Ok reports whether the subscription was accepted.
func (r SubscribeResult) Ok() bool { return r.Err == "" }

// SignedPayload is the nested MPC-library blob plus a signature over it,
// binding each protocol message to its claimed sender.
type SignedPayload struct {
	Blob      []byte
	Signature [64]byte
}

// ProtocolMessage is one round message exchanged between session
// participants. A nil To means broadcast.
type ProtocolMessage struct {
	From    party.ID
	To      *party.ID
	Payload SignedPayload
}

// IsBroadcast reports whether this message has no single recipient.
func (m ProtocolMessage) IsBroadcast() bool { return m.To == nil }

// Marshal encodes a ProtocolMessage for the framed transport.
func (m ProtocolMessage) Marshal() ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal protocol message: %w", err)
	}
	return b, nil
}

// UnmarshalProtocolMessage decodes a ProtocolMessage frame.
func UnmarshalProtocolMessage(b []byte) (ProtocolMessage, error) {
	var m ProtocolMessage
	if err := cbor.Unmarshal(b, &m); err != nil {
		return ProtocolMessage{}, fmt.Errorf("wire: unmarshal protocol message: %w", err)
	}
	return m, nil
}
