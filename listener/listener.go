// Package listener implements the per-session fan-out object: it
// collects expected subscribers, handing each one its own broadcast
// receiver, and once every expected peer has attached, converts into a
// Broadcaster the SessionDriver drives.
//
// Grounded on the teacher's subscriber/session bookkeeping idiom
// (mutex-guarded maps, a one-shot readiness signal) generalized from
// per-friend to per-session scope.
package listener

import (
	"fmt"
	"sync"
	"time"

	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/wire"
)

// Errors surfaced by Subscribe; see spec.md §4.2-4.3.
var (
	ErrAlreadySubscribed = fmt.Errorf("listener: party already subscribed")
	ErrUnknownParty      = fmt.Errorf("listener: invalid party id")
	ErrBroadcasterClosed = fmt.Errorf("listener: broadcaster closed")
)

const (
	perPeerBuffer = 64
	inboundBuffer = 256
)

// Channels is the per-peer handle returned on a successful Subscribe: a
// receiver for broadcast traffic addressed to this peer's pump, and a
// sender the peer's read pump uses to feed messages into the session
// driver's fan-in.
type Channels struct {
	BroadcastRx <-chan wire.ProtocolMessage
	InboundTx   chan<- wire.ProtocolMessage
	IsFinal     bool
}

// ReadySignal is fired exactly once, either with the Broadcaster (setup
// succeeded) or an error (timeout / cancellation).
type ReadySignal struct {
	Broadcaster *Broadcaster
	Err         error
}

// Listener collects subscribers for one session. expected shrinks
// monotonically; when it empties the Listener is converted to a
// Broadcaster exactly once.
type Listener struct {
	mu         sync.Mutex
	expected   map[party.ID][32]byte // party -> expected x25519 static key
	peerChans  map[party.ID]chan wire.ProtocolMessage
	converted  bool

	inbound   chan wire.ProtocolMessage
	ready     chan ReadySignal
	readyOnce sync.Once
}

// New builds a Listener expecting subscriptions from every member of the
// committee other than self, plus an optional user party (used for
// sessions where a non-committee party observes with private visibility).
func New(committee []party.ID, keys map[party.ID][32]byte, self party.ID, userParty *party.ID) (*Listener, <-chan ReadySignal, <-chan wire.ProtocolMessage) {
	l := &Listener{
		expected:  make(map[party.ID][32]byte, len(committee)),
		peerChans: make(map[party.ID]chan wire.ProtocolMessage, len(committee)),
		inbound:   make(chan wire.ProtocolMessage, inboundBuffer),
		ready:     make(chan ReadySignal, 1),
	}
	for _, id := range committee {
		if id.Equal(self) {
			continue
		}
		l.expected[id] = keys[id]
	}
	if userParty != nil && !userParty.Equal(self) {
		l.expected[*userParty] = keys[*userParty]
	}
	return l, l.ready, l.inbound
}

// ExpectedKey returns the x25519 static key recorded for a party still
// awaited, used by SubscribeProtocol to check for a key mismatch.
func (l *Listener) ExpectedKey(id party.ID) ([32]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.expected[id]
	return k, ok
}

// ExpectedParties snapshots the PartyIds still awaited, used by
// SubscribeProtocol to recover which committee member a SubscribeMessage
// signature belongs to.
func (l *Listener) ExpectedParties() []party.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]party.ID, 0, len(l.expected))
	for id := range l.expected {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe removes id from the expected set and returns its Channels.
// When this was the last expected peer, the Listener converts itself to
// a Broadcaster exactly once and fires the ready signal; IsFinal is set
// on the returned Channels so the caller knows to remove the registry
// entry.
func (l *Listener) Subscribe(id party.ID) (Channels, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, alreadyHasChan := l.peerChans[id]; alreadyHasChan {
		return Channels{}, ErrAlreadySubscribed
	}
	if _, known := l.expected[id]; !known {
		return Channels{}, ErrUnknownParty
	}

	delete(l.expected, id)
	peerChan := make(chan wire.ProtocolMessage, perPeerBuffer)
	l.peerChans[id] = peerChan

	isFinal := len(l.expected) == 0
	if isFinal {
		l.convertLocked()
	}

	return Channels{
		BroadcastRx: peerChan,
		InboundTx:   l.inbound,
		IsFinal:     isFinal,
	}, nil
}

// convertLocked converts the Listener to a Broadcaster and fires the
// ready signal. Must be called with l.mu held, and only once — this is
// the one-way move described in spec.md §9: the Listener is transferred
// out of the registry and dropped after producing the Broadcaster.
func (l *Listener) convertLocked() {
	if l.converted {
		return
	}
	l.converted = true
	b := &Broadcaster{peers: l.peerChans}
	l.readyOnce.Do(func() {
		l.ready <- ReadySignal{Broadcaster: b}
	})
}

// Abort fires the ready signal with an error, e.g. on setup timeout. Safe
// to call concurrently with Subscribe; only the first caller's signal
// wins, satisfying the at-most-once conversion invariant (spec.md §8.3).
func (l *Listener) Abort(err error) {
	l.readyOnce.Do(func() {
		l.ready <- ReadySignal{Err: err}
	})
}

// Remaining reports how many expected peers have not yet subscribed.
func (l *Listener) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.expected)
}

// Broadcaster fans a ProtocolMessage out to every currently-subscribed
// peer pump. Owned by the SessionDriver after readiness.
type Broadcaster struct {
	mu     sync.RWMutex
	peers  map[party.ID]chan wire.ProtocolMessage
	closed bool
}

// sendTimeout bounds how long Send waits on any one peer's channel
// before giving up on that peer, so a connection whose read pump died
// without calling RemovePeer cannot wedge every future round forever.
const sendTimeout = 5 * time.Second

// Send publishes msg to every subscribed peer's channel. Sends block per
// peer up to sendTimeout (preserving the per-pair FIFO guarantee from
// spec.md §5 while a peer is healthy) but run concurrently across peers
// so one slow peer cannot stall the others.
func (b *Broadcaster) Send(msg wire.ProtocolMessage) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBroadcasterClosed
	}
	targets := make([]chan wire.ProtocolMessage, 0, len(b.peers))
	for _, ch := range b.peers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, ch := range targets {
		ch := ch
		go func() {
			defer wg.Done()
			defer func() { recover() }() // peer pump may have closed its reader and dropped the chan
			select {
			case ch <- msg:
			case <-time.After(sendTimeout):
			}
		}()
	}
	wg.Wait()
	return nil
}

// RemovePeer drops a peer's channel, e.g. after its connection dies, so
// Send no longer blocks on it.
func (b *Broadcaster) RemovePeer(id party.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.peers[id]; ok {
		delete(b.peers, id)
		close(ch)
	}
}

// Close releases every per-peer channel. Per-peer pumps observing a
// closed channel terminate without panicking (spec.md §8.6).
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.peers {
		delete(b.peers, id)
		close(ch)
	}
}
