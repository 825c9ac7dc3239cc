package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tsscrypto "github.com/silvanus-network/tss-node/crypto"
	"github.com/silvanus-network/tss-node/listener"
	"github.com/silvanus-network/tss-node/noisechan"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/wire"
)

// pairedChannels completes a real XK handshake over a loopback WebSocket
// server and returns both ends' Channels, mirroring the harness in
// noisechan's own tests.
func pairedChannels(t *testing.T) (*noisechan.Channel, *noisechan.Channel) {
	t.Helper()

	initiatorKP, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)
	responderKP, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)

	responderCh := make(chan *noisechan.Channel, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ch, _, err := noisechan.HandshakeResponder(conn, responderKP.Private)
		require.NoError(t, err)
		responderCh <- ch
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	initiator, err := noisechan.HandshakeInitiator(conn, initiatorKP.Private, responderKP.Public, nil)
	require.NoError(t, err)

	select {
	case responder := <-responderCh:
		return initiator, responder
	case <-time.After(5 * time.Second):
		t.Fatal("responder handshake never completed")
	}
	return nil, nil
}

func TestPumpForwardsInboundFrames(t *testing.T) {
	initiator, responder := pairedChannels(t)
	defer initiator.Close()

	peer := party.FromVerifyingKey([]byte("peer"))
	committee := []party.ID{party.FromVerifyingKey([]byte("self")), peer}
	l, _, inbound := listener.New(committee, nil, committee[0], nil)

	chans, err := l.Subscribe(peer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Pump(ctx, responder, peer, chans)
		close(done)
	}()

	msg := wire.ProtocolMessage{From: peer}
	frame, err := msg.Marshal()
	require.NoError(t, err)
	require.NoError(t, initiator.Send(frame))

	select {
	case got := <-inbound:
		assert.True(t, peer.Equal(got.From))
	case <-time.After(2 * time.Second):
		t.Fatal("Pump never forwarded the inbound frame to the session's fan-in channel")
	}

	initiator.Close()
	cancel()
	<-done
}

func TestPumpWriteLoopFiltersByRecipient(t *testing.T) {
	initiator, responder := pairedChannels(t)
	defer initiator.Close()

	peer := party.FromVerifyingKey([]byte("peer"))
	other := party.FromVerifyingKey([]byte("other"))
	committee := []party.ID{party.FromVerifyingKey([]byte("self")), peer, other}
	l, readyCh, _ := listener.New(committee, nil, committee[0], nil)

	chans, err := l.Subscribe(peer)
	require.NoError(t, err)
	_, err = l.Subscribe(other)
	require.NoError(t, err)

	signal := <-readyCh
	require.NoError(t, signal.Err)
	broadcaster := signal.Broadcaster

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Pump(ctx, responder, peer, chans)
		close(done)
	}()

	// Addressed to someone else: writeLoop must drop it without sending
	// anything over the wire.
	require.NoError(t, broadcaster.Send(wire.ProtocolMessage{From: committee[0], To: &other}))

	// Broadcast (nil To): writeLoop must forward it.
	require.NoError(t, broadcaster.Send(wire.ProtocolMessage{From: committee[0]}))

	frame, err := initiator.Recv()
	require.NoError(t, err)
	got, err := wire.UnmarshalProtocolMessage(frame)
	require.NoError(t, err)
	assert.Nil(t, got.To, "the only frame delivered over the wire should be the broadcast one")

	broadcaster.Close()
	cancel()
	<-done
}

func TestPumpClosesChannelOnCancel(t *testing.T) {
	initiator, responder := pairedChannels(t)
	defer initiator.Close()

	peer := party.FromVerifyingKey([]byte("peer"))
	committee := []party.ID{party.FromVerifyingKey([]byte("self")), peer}
	l, _, _ := listener.New(committee, nil, committee[0], nil)
	chans, err := l.Subscribe(peer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pump(ctx, responder, peer, chans)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not exit after context cancellation")
	}

	_, err = responder.Recv()
	assert.Error(t, err, "responder channel should be closed once Pump returns")
}
