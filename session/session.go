// Package session wires the pieces spec.md's component diagram keeps
// separate—Listener, Registry, MPCAdapter, KeyshareStore, SessionDriver—
// into the three operations the HTTP front door triggers: start a
// signing session, a DKG session, or a proactive refresh session.
package session

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/binance-chain/tss-lib/tss"

	tsscrypto "github.com/silvanus-network/tss-node/crypto"
	"github.com/silvanus-network/tss-node/driver"
	"github.com/silvanus-network/tss-node/keystore"
	"github.com/silvanus-network/tss-node/listener"
	"github.com/silvanus-network/tss-node/mpc"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/registry"
	"github.com/silvanus-network/tss-node/sessionid"
	"github.com/silvanus-network/tss-node/transport"
	"github.com/silvanus-network/tss-node/validator"
	"github.com/silvanus-network/tss-node/wire"
)

// Coordinator holds everything needed to start and run a session to
// completion: the registry new sessions wait in, the validator
// directory for committee lookups, this party's identity, and the
// keyshare store sessions read from and write to.
type Coordinator struct {
	Self       party.ID
	SigningKey *tsscrypto.SigningKeyPair
	StaticPriv [32]byte
	Directory  *validator.Directory
	Registry   *registry.Registry
	Keyshares  keystore.Store
}

// connectOutbound dials every committee member this party is responsible
// for connecting to and pumps the resulting channel against this node's
// own Listener entry for that peer.
//
// Each unordered pair in the committee is connected exactly once: the
// member with the lower PartyId dials the one with the higher PartyId.
// The dialer already knows who it is talking to (the XK handshake proves
// the responder holds the expected static key looked up from the
// directory), so it attaches to its own Listener via Registry.Subscribe
// directly rather than going through SubscribeProtocol's signature-based
// recovery, which exists only for the inbound/responder direction.
func (c *Coordinator) connectOutbound(ctx context.Context, key sessionid.Key, sid sessionid.SessionId, committee []party.ID) {
	for _, peer := range committee {
		if peer.Equal(c.Self) || !c.Self.Less(peer) {
			continue
		}
		peer := peer
		go func() {
			info, ok := c.Directory.Lookup(peer)
			if !ok {
				logrus.WithField("peer", peer.String()).Warn("session: cannot dial unknown peer")
				return
			}
			logger := logrus.WithFields(logrus.Fields{"component": "session", "peer": peer.String(), "addr": info.IPAddress})

			ch, err := transport.Dial(info.IPAddress, info.X25519PubKey, c.StaticPriv, sid, c.Self, c.SigningKey)
			if err != nil {
				logger.WithError(err).Warn("session: outbound dial failed")
				return
			}

			chans, err := c.Registry.Subscribe(key, peer)
			if err != nil {
				logger.WithError(err).Warn("session: attach dialed connection failed")
				ch.Close()
				return
			}

			logger.Debug("session: outbound connection established")
			transport.Pump(ctx, ch, peer, chans)
		}()
	}
}

// awaitBroadcaster blocks the caller until either the Listener converts
// to a Broadcaster or setup fails/times out.
func awaitBroadcaster(readyCh <-chan listener.ReadySignal) (*listener.Broadcaster, error) {
	signal := <-readyCh
	if signal.Err != nil {
		return nil, signal.Err
	}
	return signal.Broadcaster, nil
}

// signEnvelope returns a dispatch-time hook that signs each outbound MPC
// round payload with this party's long-term key, binding every
// ProtocolMessage to its claimed sender (spec.md §3's SignedPayload).
func (c *Coordinator) signEnvelope() func([]byte) (wire.SignedPayload, error) {
	return func(blob []byte) (wire.SignedPayload, error) {
		sig, err := c.SigningKey.SignPrehash(blob)
		if err != nil {
			return wire.SignedPayload{}, fmt.Errorf("session: sign outbound payload: %w", err)
		}
		return wire.SignedPayload{Blob: blob, Signature: [64]byte(sig)}, nil
	}
}

// verifyEnvelope returns a receive-time hook that checks an inbound
// SignedPayload's signature against its claimed sender's long-term key,
// looked up from the directory, binding every ProtocolMessage to its
// claimed sender independently of which physical connection it arrived
// on (spec.md §4.4 Identity binding).
func (c *Coordinator) verifyEnvelope() func(party.ID, wire.SignedPayload) error {
	return func(from party.ID, payload wire.SignedPayload) error {
		info, ok := c.Directory.Lookup(from)
		if !ok {
			return fmt.Errorf("unknown party %s", from)
		}
		var verifyingKey [32]byte
		copy(verifyingKey[:], info.TssAccount)
		if !tsscrypto.Verify(payload.Blob, tsscrypto.Signature(payload.Signature), verifyingKey) {
			return fmt.Errorf("signature verification failed for party %s", from)
		}
		return nil
	}
}

// sessionRand derives the shared, per-session randomness source every
// committee member must pass its driver identically: the session's
// digest directly, since sessionid.Key already is that digest.
func sessionRand(key sessionid.Key) (io.Reader, error) {
	return mpc.DeterministicRand([32]byte(key))
}

// orderedCommittee sorts a committee's PartyIds deterministically, so
// every member derives the same index_of mapping (spec.md §4.4).
func orderedCommittee(ids []party.ID) []party.ID {
	out := make([]party.ID, len(ids))
	copy(out, ids)
	party.Sort(out)
	return out
}

// tssPartyIDs builds tss-lib's SortedPartyIDs for a committee, matching
// PartyId order to Index position so the driver's index_of mapping and
// tss-lib's own routing agree.
func tssPartyIDs(committee []party.ID) tss.SortedPartyIDs {
	unsorted := make(tss.UnSortedPartyIDs, len(committee))
	for i, id := range committee {
		unsorted[i] = tss.NewPartyID(id.String(), id.String(), new(big.Int).SetBytes(id[:]))
	}
	return tss.SortPartyIDs(unsorted)
}

// StartSign starts an interactive signing session over an existing
// verifying key and blocks until the committee's signature is produced
// or ctx is cancelled.
func (c *Coordinator) StartSign(ctx context.Context, sid sessionid.SessionId, committee []party.ID, keys map[party.ID][32]byte, verifyingKey []byte, messageHash [32]byte) (*mpc.Result, error) {
	if sid.Kind != sessionid.KindSign {
		return nil, errors.New("session: StartSign requires a sign SessionId")
	}

	share, err := c.Keyshares.Get(verifyingKey)
	if err != nil {
		return nil, fmt.Errorf("session: load keyshare: %w", err)
	}
	keyData, err := mpc.UnmarshalSaveData(share)
	if err != nil {
		return nil, err
	}

	ordered := orderedCommittee(committee)
	l, readyCh, inboundRx := listener.New(ordered, keys, c.Self, nil)
	if err := c.Registry.Insert(sid, l, readyCh); err != nil {
		return nil, fmt.Errorf("session: insert session: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultSessionTimeout)
	defer cancel()

	key, err := sid.Key()
	if err != nil {
		return nil, err
	}
	c.connectOutbound(ctx, key, sid, ordered)

	b, err := awaitBroadcaster(readyCh)
	if err != nil {
		return nil, fmt.Errorf("session: setup failed: %w", err)
	}

	partyIDs := tssPartyIDs(ordered)
	params := tss.NewParameters(btcec.S256(), tss.NewPeerContext(partyIDs), partyIDs[indexOf(ordered, c.Self)], len(ordered), len(ordered)-1)

	adapter, err := mpc.NewSigningAdapter(params, keyData, new(big.Int).SetBytes(messageHash[:]), nil)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"component": "session", "kind": "sign", "self": c.Self.String()}).Info("signing session starting")

	rng, err := sessionRand(key)
	if err != nil {
		return nil, err
	}
	result, err := driver.Run(ctx, adapter, driver.Channels{Broadcaster: b, InboundRx: inboundRx}, ordered, c.Self, c.signEnvelope(), c.verifyEnvelope(), rng)
	b.Close()
	return result, err
}

// StartDkg runs distributed key generation for a fresh committee and, on
// success, persists the resulting keyshare under the new verifying key.
func (c *Coordinator) StartDkg(ctx context.Context, sid sessionid.SessionId, committee []party.ID, keys map[party.ID][32]byte) (*mpc.Result, error) {
	if sid.Kind != sessionid.KindDkg {
		return nil, errors.New("session: StartDkg requires a dkg SessionId")
	}

	ordered := orderedCommittee(committee)
	l, readyCh, inboundRx := listener.New(ordered, keys, c.Self, nil)
	if err := c.Registry.Insert(sid, l, readyCh); err != nil {
		return nil, fmt.Errorf("session: insert session: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultSessionTimeout)
	defer cancel()

	key, err := sid.Key()
	if err != nil {
		return nil, err
	}
	c.connectOutbound(ctx, key, sid, ordered)

	b, err := awaitBroadcaster(readyCh)
	if err != nil {
		return nil, fmt.Errorf("session: setup failed: %w", err)
	}

	partyIDs := tssPartyIDs(ordered)
	threshold := len(ordered) - 1
	params := tss.NewParameters(btcec.S256(), tss.NewPeerContext(partyIDs), partyIDs[indexOf(ordered, c.Self)], len(ordered), threshold)

	adapter, err := mpc.NewKeygenAdapter(params)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"component": "session", "kind": "dkg", "self": c.Self.String()}).Info("dkg session starting")

	rng, err := sessionRand(key)
	if err != nil {
		return nil, err
	}
	result, err := driver.Run(ctx, adapter, driver.Channels{Broadcaster: b, InboundRx: inboundRx}, ordered, c.Self, c.signEnvelope(), c.verifyEnvelope(), rng)
	b.Close()
	if err != nil {
		return nil, err
	}

	if result != nil && result.KeyShare != nil {
		if err := c.Keyshares.Put(result.VerifyingKey, result.KeyShare); err != nil {
			return result, fmt.Errorf("session: persist keyshare: %w", err)
		}
	}
	return result, nil
}

// StartRefresh runs proactive key-share refresh for an existing
// verifying key across possibly-new committee membership, replacing the
// stored keyshare on success.
func (c *Coordinator) StartRefresh(ctx context.Context, sid sessionid.SessionId, oldCommittee, newCommittee []party.ID, keys map[party.ID][32]byte, verifyingKey []byte) (*mpc.Result, error) {
	if sid.Kind != sessionid.KindProactiveRefresh {
		return nil, errors.New("session: StartRefresh requires a proactive-refresh SessionId")
	}

	share, err := c.Keyshares.Get(verifyingKey)
	if err != nil {
		return nil, fmt.Errorf("session: load keyshare: %w", err)
	}
	keyData, err := mpc.UnmarshalSaveData(share)
	if err != nil {
		return nil, err
	}

	oldOrdered := orderedCommittee(oldCommittee)
	newOrdered := orderedCommittee(newCommittee)
	listenerCommittee := union(oldOrdered, newOrdered)

	l, readyCh, inboundRx := listener.New(listenerCommittee, keys, c.Self, nil)
	if err := c.Registry.Insert(sid, l, readyCh); err != nil {
		return nil, fmt.Errorf("session: insert session: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultSessionTimeout)
	defer cancel()

	key, err := sid.Key()
	if err != nil {
		return nil, err
	}
	c.connectOutbound(ctx, key, sid, listenerCommittee)

	b, err := awaitBroadcaster(readyCh)
	if err != nil {
		return nil, fmt.Errorf("session: setup failed: %w", err)
	}

	oldPartyIDs := tssPartyIDs(oldOrdered)
	newPartyIDs := tssPartyIDs(newOrdered)
	oldThreshold := len(oldOrdered) - 1
	newThreshold := len(newOrdered) - 1

	// A party may be joining (absent from oldOrdered) or retiring (absent
	// from newOrdered); tss-lib's resharing LocalParty wants whichever
	// PartyID record actually names this party.
	var selfPartyID *tss.PartyID
	if idx := indexOfOrNegative(oldOrdered, c.Self); idx >= 0 {
		selfPartyID = oldPartyIDs[idx]
	} else if idx := indexOfOrNegative(newOrdered, c.Self); idx >= 0 {
		selfPartyID = newPartyIDs[idx]
	} else {
		return nil, errors.New("session: self is in neither old nor new committee")
	}

	params := tss.NewReSharingParameters(
		btcec.S256(),
		tss.NewPeerContext(oldPartyIDs),
		tss.NewPeerContext(newPartyIDs),
		selfPartyID,
		len(oldOrdered), oldThreshold,
		len(newOrdered), newThreshold,
	)

	adapter, err := mpc.NewRefreshAdapter(params, keyData)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"component": "session", "kind": "refresh", "self": c.Self.String()}).Info("refresh session starting")

	rng, err := sessionRand(key)
	if err != nil {
		return nil, err
	}
	result, err := driver.Run(ctx, adapter, driver.Channels{Broadcaster: b, InboundRx: inboundRx}, listenerCommittee, c.Self, c.signEnvelope(), c.verifyEnvelope(), rng)
	b.Close()
	if err != nil {
		return nil, err
	}

	if result != nil && result.KeyShare != nil {
		if err := c.Keyshares.Put(verifyingKey, result.KeyShare); err != nil {
			return result, fmt.Errorf("session: persist refreshed keyshare: %w", err)
		}
	}
	return result, nil
}

// DefaultSessionTimeout bounds an entire session's wall-clock time,
// enforced outside the driver by wrapping its context, per spec.md §4.4's
// Failure semantics.
var DefaultSessionTimeout = 2 * time.Minute

func indexOf(committee []party.ID, id party.ID) int {
	for i, c := range committee {
		if c.Equal(id) {
			return i
		}
	}
	return 0
}

func indexOfOrNegative(committee []party.ID, id party.ID) int {
	for i, c := range committee {
		if c.Equal(id) {
			return i
		}
	}
	return -1
}

func union(a, b []party.ID) []party.ID {
	seen := make(map[party.ID]bool, len(a)+len(b))
	out := make([]party.ID, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	party.Sort(out)
	return out
}

