// Package driver implements the SessionDriver (spec.md §4.4): the core
// state machine that runs one MPC session—DKG, interactive signing, or
// proactive refresh—to completion by pumping an opaque mpc.Session
// through rounds of dispatch, receive, and finalize.
package driver

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/silvanus-network/tss-node/listener"
	"github.com/silvanus-network/tss-node/mpc"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/wire"
)

// Stage names attached to ProtocolError so callers can tell which phase
// of the session failed.
const (
	StageDispatch  = "dispatch"
	StageReceive   = "receive"
	StageFinalize  = "finalize"
	StageStartNext = "start_next_round"
)

// IncomingStreamClosed is returned when the inbound channel closes before
// the session finalizes (spec.md §4.4 Failure semantics).
var IncomingStreamClosed = errors.New("driver: incoming stream closed before finalization")

// ProtocolError wraps an error the MPCLibrary itself raised, tagged with
// the stage it happened in.
type ProtocolError struct {
	Stage string
	Err   error
}

func (e *ProtocolError) Error() string {
	return "driver: protocol error at " + e.Stage + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// BroadcastError wraps a failure sending to the Broadcaster.
type BroadcastError struct {
	Err error
}

func (e *BroadcastError) Error() string { return "driver: broadcast error: " + e.Err.Error() }
func (e *BroadcastError) Unwrap() error { return e.Err }

// PeerMisbehaviorError reports a committee member whose traffic failed
// identity binding: a SignedPayload whose signature does not verify
// under the claimed sender's long-term key. Per spec.md §7 this is
// treated as fatal and carries the offending PartyId for upstream
// attribution.
type PeerMisbehaviorError struct {
	Peer   party.ID
	Reason string
}

func (e *PeerMisbehaviorError) Error() string {
	return "driver: peer misbehavior from " + e.Peer.String() + ": " + e.Reason
}

// Channels bundles the Broadcaster and inbound receive channel a driver
// needs, matching the Listener/Broadcaster handoff in spec.md §4.3.
type Channels struct {
	Broadcaster *listener.Broadcaster
	InboundRx   <-chan wire.ProtocolMessage
}

// Run drives session to completion, following the loop in spec.md §4.4
// exactly: start_receiving, dispatch, drain cached messages, block on
// inbound until finalizable, finalize, and repeat until a terminal
// Result.
//
// committee is the fixed, ordered party list session was constructed
// against; self is this party's own id, used to filter self-broadcasts
// per spec.md §4.4's Self-broadcast filtering rule. verify authenticates
// an inbound SignedPayload against its claimed sender's long-term key
// (spec.md §4.4 Identity binding); a message that fails it is a
// PeerMisbehaviorError, not a ProtocolError, since the fault is the
// peer's, not the MPC library's. rng is the round randomness source;
// every committee member must supply the same value, deterministically
// derived from the session's digest (spec.md §4.4's shared-randomness
// requirement) via mpc.DeterministicRand.
func Run(ctx context.Context, session mpc.Session, chans Channels, committee []party.ID, self party.ID, signEnvelope func([]byte) (wire.SignedPayload, error), verify func(party.ID, wire.SignedPayload) error, rng io.Reader) (*mpc.Result, error) {
	indexOf := make(map[party.ID]int, len(committee))
	for i, id := range committee {
		indexOf[id] = i
	}

	logger := logrus.WithFields(logrus.Fields{
		"component": "driver",
		"self":      self.String(),
	})

	current := session
	for {
		receiving, outbound, err := current.StartReceiving(rng)
		if err != nil {
			return nil, &ProtocolError{Stage: StageStartNext, Err: err}
		}

		if err := dispatch(chans.Broadcaster, self, committee, outbound, signEnvelope); err != nil {
			return nil, err
		}

		for receiving.HasCachedMessages() {
			if err := receiving.ReceiveCachedMessage(); err != nil {
				return nil, &ProtocolError{Stage: StageReceive, Err: err}
			}
		}

		for !receiving.CanFinalize() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case msg, ok := <-chans.InboundRx:
				if !ok {
					return nil, IncomingStreamClosed
				}
				if msg.From.Equal(self) {
					continue // drop self-broadcast echo
				}
				idx, known := indexOf[msg.From]
				if !known {
					return nil, &ProtocolError{Stage: StageReceive, Err: errors.Errorf("message from unknown party %s", msg.From)}
				}
				if err := verify(msg.From, msg.Payload); err != nil {
					return nil, &PeerMisbehaviorError{Peer: msg.From, Reason: err.Error()}
				}
				if err := receiving.Receive(idx, msg.Payload.Blob); err != nil {
					return nil, &ProtocolError{Stage: StageReceive, Err: err}
				}
			}
		}

		outcome, err := receiving.Finalize(rng)
		if err != nil {
			return nil, &ProtocolError{Stage: StageFinalize, Err: err}
		}
		if outcome.Done() {
			logger.Debug("session finalized")
			return outcome.Result, nil
		}
		current = outcome.NextRound
	}
}

func dispatch(b *listener.Broadcaster, self party.ID, committee []party.ID, outbound []mpc.Outbound, signEnvelope func([]byte) (wire.SignedPayload, error)) error {
	for _, ob := range outbound {
		payload, err := signEnvelope(ob.Payload)
		if err != nil {
			return &ProtocolError{Stage: StageDispatch, Err: err}
		}
		msg := wire.ProtocolMessage{From: self, Payload: payload}
		if ob.To != nil {
			if *ob.To < 0 || *ob.To >= len(committee) {
				return &ProtocolError{Stage: StageDispatch, Err: errors.Errorf("direct message to unknown index %d", *ob.To)}
			}
			to := committee[*ob.To]
			msg.To = &to
		}
		if err := b.Send(msg); err != nil {
			return &BroadcastError{Err: err}
		}
	}
	return nil
}
