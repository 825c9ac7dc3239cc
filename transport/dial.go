package transport

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	tsscrypto "github.com/silvanus-network/tss-node/crypto"
	"github.com/silvanus-network/tss-node/noisechan"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/sessionid"
	"github.com/silvanus-network/tss-node/subscribe"
)

// dialTimeout bounds the WebSocket upgrade and noise handshake combined.
const dialTimeout = 10 * time.Second

// Dial connects to a peer's /ws endpoint, runs the XK initiator
// handshake carrying a SubscribeMessage for sid as the final payload, and
// waits for the responder's acceptance frame. On success the returned
// Channel is ready to be handed to Pump.
//
// addr is the peer's bare host:port (from ValidatorDirectory); self and
// signingKey identify the caller to SubscribeProtocol.
func Dial(addr string, peerStaticPub [32]byte, myStaticPriv [32]byte, sid sessionid.SessionId, self party.ID, signingKey *tsscrypto.SigningKeyPair) (*noisechan.Channel, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	finalPayload, err := subscribe.BuildMessage(sid, self, signingKey)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ch, err := noisechan.HandshakeInitiator(conn, myStaticPriv, peerStaticPub, finalPayload)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := subscribe.AwaitResult(ch); err != nil {
		ch.Close()
		return nil, err
	}

	return ch, nil
}
