// Package noisechan implements the EncryptedChannel contract: a
// mutually-authenticated, confidential, framed byte stream between two
// committee members, built from Noise_XK_25519_ChaChaPoly_BLAKE2s over a
// message-oriented WebSocket connection.
//
// Adapted from the teacher's noise/handshake.go (which implemented the
// Noise-IK and -XX patterns for peer-to-peer use) generalized to the XK
// pattern this spec requires: the responder's static key is known to the
// initiator in advance (from the validator directory), while the
// initiator's static key rides in the third handshake message alongside
// the SubscribeMessage payload.
package noisechan

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	tsscrypto "github.com/silvanus-network/tss-node/crypto"
)

// Prologue is the fixed protocol-version string bound into every
// handshake, preventing cross-protocol and cross-version message
// confusion.
var Prologue = []byte("tss-node signing protocol v1")

// ScratchBufferSize is the minimum scratch size for a single noise
// transport frame (the noise transport maximum).
const ScratchBufferSize = 65535

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Errors surfaced to callers; see spec.md §4.1 Failure modes.
var (
	ErrHandshakeFailed  = errors.New("noisechan: handshake failed")
	ErrConnectionClosed = errors.New("noisechan: connection closed")
	ErrBadCiphertext    = errors.New("noisechan: bad ciphertext")
)

// Channel owns a completed noise transport over a WebSocket connection.
// It is not safe to clone; each Channel has exactly one reader and one
// writer goroutine at a time in this runtime's usage.
type Channel struct {
	conn       *websocket.Conn
	send       *noise.CipherState
	recv       *noise.CipherState
	remoteStatic [32]byte
}

// RemoteStatic returns the peer's x25519 static public key, known only
// after a successful handshake.
func (c *Channel) RemoteStatic() [32]byte { return c.remoteStatic }

// Send encrypts and writes one logical message as a single WebSocket
// binary frame.
func (c *Channel) Send(plaintext []byte) error {
	ciphertext := c.send.Encrypt(nil, nil, plaintext)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, ciphertext); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Recv reads and decrypts exactly one WebSocket frame.
func (c *Channel) Recv() ([]byte, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected frame type %d", ErrBadCiphertext, msgType)
	}
	plaintext, err := c.recv.Decrypt(nil, nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	return plaintext, nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func dhKeyFromPrivate(staticPriv [32]byte) (noise.DHKey, error) {
	kp, err := tsscrypto.FromSecretKey(staticPriv)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("noisechan: derive static key: %w", err)
	}
	return noise.DHKey{
		Private: append([]byte(nil), kp.Private[:]...),
		Public:  append([]byte(nil), kp.Public[:]...),
	}, nil
}

// HandshakeInitiator runs the XK initiator side: it already knows the
// responder's static public key (from the validator directory). The
// third handshake message carries finalPayload (the marshaled
// SubscribeMessage).
func HandshakeInitiator(conn *websocket.Conn, myStaticPriv [32]byte, peerStaticPub [32]byte, finalPayload []byte) (*Channel, error) {
	staticKey, err := dhKeyFromPrivate(myStaticPriv)
	if err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXK,
		Initiator:     true,
		Prologue:      Prologue,
		StaticKeypair: staticKey,
		PeerStatic:    peerStaticPub[:],
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// -> e, es
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: write msg1: %v", ErrHandshakeFailed, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	// <- e, ee
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, data); err != nil {
		return nil, fmt.Errorf("%w: read msg2: %v", ErrHandshakeFailed, err)
	}

	// -> s, se (carries finalPayload)
	msg3, sendCS, recvCS, err := hs.WriteMessage(nil, finalPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: write msg3: %v", ErrHandshakeFailed, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	logrus.WithFields(logrus.Fields{
		"component": "noisechan",
		"role":      "initiator",
	}).Debug("handshake complete")

	return &Channel{conn: conn, send: sendCS, recv: recvCS, remoteStatic: peerStaticPub}, nil
}

// HandshakeResponder runs the XK responder side. It does not know the
// initiator's static key in advance; that key, along with the final
// payload (the SubscribeMessage), arrives in the third handshake message.
// Returns the completed channel and the decoded final payload.
func HandshakeResponder(conn *websocket.Conn, myStaticPriv [32]byte) (*Channel, []byte, error) {
	staticKey, err := dhKeyFromPrivate(myStaticPriv)
	if err != nil {
		return nil, nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXK,
		Initiator:     false,
		Prologue:      Prologue,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// -> e, es
	_, data1, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, data1); err != nil {
		return nil, nil, fmt.Errorf("%w: read msg1: %v", ErrHandshakeFailed, err)
	}

	// <- e, ee
	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write msg2: %v", ErrHandshakeFailed, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg2); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	// -> s, se
	_, data3, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	payload, recvCS, sendCS, err := hs.ReadMessage(nil, data3)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read msg3: %v", ErrHandshakeFailed, err)
	}

	var remoteStatic [32]byte
	copy(remoteStatic[:], hs.PeerStatic())

	logrus.WithFields(logrus.Fields{
		"component": "noisechan",
		"role":      "responder",
	}).Debug("handshake complete")

	return &Channel{conn: conn, send: sendCS, recv: recvCS, remoteStatic: remoteStatic}, payload, nil
}
