package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/wire"
)

func ids(names ...string) []party.ID {
	out := make([]party.ID, len(names))
	for i, n := range names {
		out[i] = party.FromVerifyingKey([]byte(n))
	}
	return out
}

func TestSubscribeUnknownParty(t *testing.T) {
	self := party.FromVerifyingKey([]byte("self"))
	committee := append(ids("self"), ids("a", "b")...)
	_ = self

	l, _, _ := New(committee, nil, committee[0], nil)
	_, err := l.Subscribe(party.FromVerifyingKey([]byte("stranger")))
	assert.ErrorIs(t, err, ErrUnknownParty)
}

func TestSubscribeTwiceRejected(t *testing.T) {
	committee := ids("self", "a", "b")
	l, _, _ := New(committee, nil, committee[0], nil)

	_, err := l.Subscribe(committee[1])
	require.NoError(t, err)

	_, err = l.Subscribe(committee[1])
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestConvertsOnLastSubscriber(t *testing.T) {
	committee := ids("self", "a", "b")
	l, readyCh, _ := New(committee, nil, committee[0], nil)

	c1, err := l.Subscribe(committee[1])
	require.NoError(t, err)
	assert.False(t, c1.IsFinal)

	select {
	case <-readyCh:
		t.Fatal("listener converted before every expected peer subscribed")
	default:
	}

	c2, err := l.Subscribe(committee[2])
	require.NoError(t, err)
	assert.True(t, c2.IsFinal)

	select {
	case signal := <-readyCh:
		require.NoError(t, signal.Err)
		require.NotNil(t, signal.Broadcaster)
	case <-time.After(time.Second):
		t.Fatal("listener never fired its ready signal")
	}
}

func TestAbortFiresOnce(t *testing.T) {
	committee := ids("self", "a")
	l, readyCh, _ := New(committee, nil, committee[0], nil)

	l.Abort(assert.AnError)
	l.Abort(assert.AnError) // must not panic or double-send

	signal := <-readyCh
	assert.ErrorIs(t, signal.Err, assert.AnError)
}

func TestBroadcasterFansOutToEveryPeer(t *testing.T) {
	committee := ids("self", "a", "b")
	l, readyCh, _ := New(committee, nil, committee[0], nil)

	c1, err := l.Subscribe(committee[1])
	require.NoError(t, err)
	c2, err := l.Subscribe(committee[2])
	require.NoError(t, err)

	signal := <-readyCh
	require.NoError(t, signal.Err)
	b := signal.Broadcaster

	msg := wire.ProtocolMessage{From: committee[0]}
	require.NoError(t, b.Send(msg))

	select {
	case got := <-c1.BroadcastRx:
		assert.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("peer a never received the broadcast")
	}
	select {
	case got := <-c2.BroadcastRx:
		assert.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("peer b never received the broadcast")
	}
}

func TestBroadcasterDirectMessageReachesEveryPeerChannel(t *testing.T) {
	// Routing a direct message to its one intended recipient is the
	// write-pump's job (it filters on ProtocolMessage.To); the
	// Broadcaster itself just fans every message to every subscriber.
	committee := ids("self", "a", "b")
	l, readyCh, _ := New(committee, nil, committee[0], nil)

	c1, err := l.Subscribe(committee[1])
	require.NoError(t, err)
	_, err = l.Subscribe(committee[2])
	require.NoError(t, err)
	signal := <-readyCh
	b := signal.Broadcaster

	to := committee[2]
	require.NoError(t, b.Send(wire.ProtocolMessage{From: committee[0], To: &to}))

	select {
	case <-c1.BroadcastRx:
	case <-time.After(time.Second):
		t.Fatal("peer a's channel never received the fanned-out message")
	}
}

func TestBroadcasterCloseIsIdempotentAndRejectsSend(t *testing.T) {
	committee := ids("self", "a")
	l, readyCh, _ := New(committee, nil, committee[0], nil)
	_, err := l.Subscribe(committee[1])
	require.NoError(t, err)
	signal := <-readyCh
	b := signal.Broadcaster

	b.Close()
	b.Close() // must not panic

	err = b.Send(wire.ProtocolMessage{})
	assert.ErrorIs(t, err, ErrBroadcasterClosed)
}

func TestExpectedPartiesShrinksAsPeersSubscribe(t *testing.T) {
	committee := ids("self", "a", "b")
	l, _, _ := New(committee, nil, committee[0], nil)

	assert.Len(t, l.ExpectedParties(), 2)
	_, err := l.Subscribe(committee[1])
	require.NoError(t, err)
	assert.Len(t, l.ExpectedParties(), 1)
}
