// Package subscribe implements SubscribeProtocol (spec.md §4.2): the
// handshake-completion step that proves which SessionId a freshly
// established EncryptedChannel belongs to, and that its initiator is an
// authorized committee member.
package subscribe

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	tsscrypto "github.com/silvanus-network/tss-node/crypto"
	"github.com/silvanus-network/tss-node/listener"
	"github.com/silvanus-network/tss-node/noisechan"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/registry"
	"github.com/silvanus-network/tss-node/sessionid"
	"github.com/silvanus-network/tss-node/validator"
	"github.com/silvanus-network/tss-node/wire"
)

// WaitForSession bounds how long the responder will wait for a session
// to be inserted into the registry before giving up, covering the case
// where the SubscribeMessage's third handshake frame outraces the local
// registry.Insert call for a session that is, in fact, starting.
const WaitForSession = 10 * time.Second

const registryPollInterval = 25 * time.Millisecond

// errNoListener is the single error string returned both for a genuinely
// unknown session and for a session the caller is not a member of,
// matching spec.md §4.2's policy against leaking committee membership.
var errNoListener = errors.New("no listener")

// Accept runs the responder side of SubscribeProtocol over a freshly
// handshaken channel: decode the SubscribeMessage carried in ch's final
// handshake payload, validate it against reg and dir, and hand back the
// subscriber's per-peer Channels on success.
//
// finalPayload is the plaintext delivered alongside the completed
// handshake (HandshakeResponder's second return value).
func Accept(ch *noisechan.Channel, finalPayload []byte, reg *registry.Registry, dir *validator.Directory) (listener.Channels, party.ID, error) {
	msg, err := wire.UnmarshalSubscribeMessage(finalPayload)
	if err != nil {
		sendResult(ch, errNoListener)
		return listener.Channels{}, party.ID{}, errors.Wrap(err, "subscribe: decode subscribe message")
	}

	key := sessionid.Key(msg.SessionIdDigest)

	if !awaitSession(reg, key) {
		sendResult(ch, errNoListener)
		return listener.Channels{}, party.ID{}, errNoListener
	}

	// Recover the claimed PartyId: the message's own PartyId field is an
	// untrusted label and is not consulted; the subscriber is whichever of
	// the session's still-expected committee members has the long-term
	// key the signature verifies under.
	claimed, err := recoverPartyId(reg, dir, key, msg)
	if err != nil {
		sendResult(ch, err)
		return listener.Channels{}, party.ID{}, err
	}

	expectedStatic, known := reg.ExpectedKey(key, claimed)
	if !known {
		sendResult(ch, errNoListener)
		return listener.Channels{}, party.ID{}, errNoListener
	}
	if expectedStatic != ch.RemoteStatic() {
		err := errors.New("public key does not match party info")
		sendResult(ch, err)
		return listener.Channels{}, party.ID{}, err
	}

	chans, err := reg.Subscribe(key, claimed)
	if err != nil {
		var wireErr error
		switch {
		case errors.Is(err, registry.ErrNoListener):
			wireErr = errNoListener
		default:
			wireErr = errors.New("invalid party id")
		}
		sendResult(ch, wireErr)
		return listener.Channels{}, party.ID{}, wireErr
	}

	if err := sendResult(ch, nil); err != nil {
		return listener.Channels{}, party.ID{}, errors.Wrap(err, "subscribe: send accept")
	}

	logrus.WithFields(logrus.Fields{
		"component": "subscribe",
		"party":     claimed.String(),
		"session":   key.String(),
		"final":     chans.IsFinal,
	}).Debug("subscription accepted")

	return chans, claimed, nil
}

// recoverPartyId finds which of a session's still-expected committee
// members actually produced msg's signature, by trying each candidate's
// long-term verifying key in turn. Returns errNoListener (not a more
// specific error) when nobody in the session matches, so a non-member
// cannot distinguish "wrong session" from "wrong signature".
func recoverPartyId(reg *registry.Registry, dir *validator.Directory, key sessionid.Key, msg wire.SubscribeMessage) (party.ID, error) {
	candidates, ok := reg.ExpectedParties(key)
	if !ok {
		return party.ID{}, errNoListener
	}
	for _, id := range candidates {
		info, ok := dir.Lookup(id)
		if !ok {
			continue
		}
		var verifyingKey [32]byte
		copy(verifyingKey[:], info.TssAccount)
		if VerifySessionBinding(msg, verifyingKey) {
			return id, nil
		}
	}
	return party.ID{}, errNoListener
}

// awaitSession polls the registry for up to WaitForSession for the
// session to appear, covering the race where a peer's SubscribeMessage
// arrives slightly before the local driver has called registry.Insert.
func awaitSession(reg *registry.Registry, key sessionid.Key) bool {
	deadline := time.Now().Add(WaitForSession)
	for {
		if reg.Contains(key) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(registryPollInterval)
	}
}

func sendResult(ch *noisechan.Channel, cause error) error {
	res := wire.SubscribeResult{}
	if cause != nil {
		res.Err = cause.Error()
	}
	b, err := res.Marshal()
	if err != nil {
		return err
	}
	return ch.Send(b)
}

// VerifySessionBinding checks that the SubscribeMessage's signature
// authenticates the claimed PartyId's ownership of the session digest,
// using that party's long-term Ed25519 verifying key (recovered from a
// ValidatorDirectory by the caller, which is why this lives as a
// standalone helper rather than inside Accept).
func VerifySessionBinding(msg wire.SubscribeMessage, verifyingKey [32]byte) bool {
	return tsscrypto.Verify(msg.SessionIdDigest[:], tsscrypto.Signature(msg.Signature), verifyingKey)
}

// BuildMessage signs sid's digest with the initiator's long-term signing
// key and marshals the resulting SubscribeMessage, ready to be passed as
// noisechan.HandshakeInitiator's finalPayload: the third handshake
// message is where this protocol's proof of membership actually rides.
func BuildMessage(sid sessionid.SessionId, self party.ID, signingKey *tsscrypto.SigningKeyPair) ([]byte, error) {
	digest, err := sid.Digest()
	if err != nil {
		return nil, errors.Wrap(err, "subscribe: digest session id")
	}
	sig, err := signingKey.SignPrehash(digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "subscribe: sign session digest")
	}
	msg := wire.SubscribeMessage{SessionIdDigest: digest, PartyId: self, Signature: [64]byte(sig)}
	b, err := msg.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "subscribe: marshal subscribe message")
	}
	return b, nil
}

// AwaitResult reads the responder's first post-handshake frame and
// reports whether the subscription was accepted.
func AwaitResult(ch *noisechan.Channel) error {
	frame, err := ch.Recv()
	if err != nil {
		return errors.Wrap(err, "subscribe: await result")
	}
	result, err := wire.UnmarshalSubscribeResult(frame)
	if err != nil {
		return errors.Wrap(err, "subscribe: decode result")
	}
	if !result.Ok() {
		return errors.Errorf("subscribe: rejected: %s", result.Err)
	}
	return nil
}
