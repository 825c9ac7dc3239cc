package subscribe

import (
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
	"github.com/silvanus-network/tss-node/registry"
	"github.com/silvanus-network/tss-node/sessionid"
	"github.com/silvanus-network/tss-node/validator"
	"github.com/silvanus-network/tss-node/wire"
)

func newSigner(t *testing.T, seed byte) (*tsscrypto.SigningKeyPair, party.ID) {
	t.Helper()
	var s [32]byte
	for i := range s {
		s[i] = seed
	}
	kp, err := tsscrypto.NewSigningKeyPair(s)
	require.NoError(t, err)
	return kp, party.FromVerifyingKey(kp.Public[:])
}

func TestVerifySessionBindingRoundTrip(t *testing.T) {
	signer, self := newSigner(t, 0x01)
	sid := sessionid.Dkg(1, []party.ID{self})

	b, err := BuildMessage(sid, self, signer)
	require.NoError(t, err)

	msg, err := wire.UnmarshalSubscribeMessage(b)
	require.NoError(t, err)

	assert.True(t, VerifySessionBinding(msg, signer.Public))
}

func TestVerifySessionBindingRejectsWrongKey(t *testing.T) {
	signer, self := newSigner(t, 0x02)
	other, _ := newSigner(t, 0x03)
	sid := sessionid.Dkg(1, []party.ID{self})

	b, err := BuildMessage(sid, self, signer)
	require.NoError(t, err)
	msg, err := wire.UnmarshalSubscribeMessage(b)
	require.NoError(t, err)

	assert.False(t, VerifySessionBinding(msg, other.Public))
}

// acceptResult carries what the responder side of Accept produced, sent
// back from the httptest handler goroutine to the test goroutine.
type acceptResult struct {
	chans listener.Channels
	id    party.ID
	err   error
	ch    *noisechan.Channel
}

// runAccept drives a real XK handshake over a loopback WebSocket server,
// running Accept on the responder side against reg/dir, with the
// initiator sending finalPayload as its handshake's final frame.
func runAccept(t *testing.T, reg *registry.Registry, dir *validator.Directory, responderKP, initiatorStatic *tsscrypto.KeyPair, finalPayload []byte) acceptResult {
	t.Helper()

	resultCh := make(chan acceptResult, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ch, payload, err := noisechan.HandshakeResponder(conn, responderKP.Private)
		require.NoError(t, err)
		chans, id, err := Accept(ch, payload, reg, dir)
		resultCh <- acceptResult{chans, id, err, ch}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	initiatorCh, err := noisechan.HandshakeInitiator(conn, initiatorStatic.Private, responderKP.Public, finalPayload)
	require.NoError(t, err)
	t.Cleanup(func() { initiatorCh.Close() })

	select {
	case res := <-resultCh:
		t.Cleanup(func() {
			if res.ch != nil {
				res.ch.Close()
			}
		})
		return res
	case <-time.After(WaitForSession + 5*time.Second):
		t.Fatal("responder side of Accept never completed")
	}
	return acceptResult{}
}

func TestAcceptRejectsUnknownSession(t *testing.T) {
	reg := registry.New(time.Minute)
	defer reg.Close()
	dir := validator.NewDirectory(nil)

	responderKP, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)
	initiatorStatic, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)

	signer, self := newSigner(t, 0x04)
	sid := sessionid.Dkg(1, []party.ID{self})

	b, err := BuildMessage(sid, self, signer)
	require.NoError(t, err)

	res := runAccept(t, reg, dir, responderKP, initiatorStatic, b)
	assert.Error(t, res.err)
}

func TestAcceptSucceedsForRegisteredMember(t *testing.T) {
	reg := registry.New(time.Minute)
	defer reg.Close()

	signer, self := newSigner(t, 0x05)
	initiatorStatic, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)
	responderKP, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)

	dir := validator.NewDirectory([]validator.Info{
		{TssAccount: append([]byte(nil), signer.Public[:]...), X25519PubKey: initiatorStatic.Public},
	})

	otherMember := party.FromVerifyingKey([]byte("other-member"))
	committee := []party.ID{otherMember, self}
	l, readyCh, _ := listener.New(committee, map[party.ID][32]byte{self: initiatorStatic.Public}, otherMember, nil)

	sid := sessionid.Dkg(1, committee)
	require.NoError(t, reg.Insert(sid, l, readyCh))

	b, err := BuildMessage(sid, self, signer)
	require.NoError(t, err)

	res := runAccept(t, reg, dir, responderKP, initiatorStatic, b)

	require.NoError(t, res.err)
	assert.True(t, self.Equal(res.id))
	assert.NotNil(t, res.chans.InboundTx)
}

func TestAcceptRejectsMismatchedStaticKey(t *testing.T) {
	reg := registry.New(time.Minute)
	defer reg.Close()

	signer, self := newSigner(t, 0x06)
	initiatorStatic, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)
	responderKP, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)
	unexpectedStatic, err := tsscrypto.GenerateKeyPair()
	require.NoError(t, err)

	dir := validator.NewDirectory([]validator.Info{
		{TssAccount: append([]byte(nil), signer.Public[:]...), X25519PubKey: initiatorStatic.Public},
	})

	otherMember := party.FromVerifyingKey([]byte("other-member"))
	committee := []party.ID{otherMember, self}
	// Registry expects self to dial in on initiatorStatic's key, but the
	// handshake below actually runs on a different static key pair.
	l, readyCh, _ := listener.New(committee, map[party.ID][32]byte{self: initiatorStatic.Public}, otherMember, nil)

	sid := sessionid.Dkg(1, committee)
	require.NoError(t, reg.Insert(sid, l, readyCh))

	b, err := BuildMessage(sid, self, signer)
	require.NoError(t, err)

	res := runAccept(t, reg, dir, responderKP, unexpectedStatic, b)
	assert.Error(t, res.err)
}
