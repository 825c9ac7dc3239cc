// Package registry implements the single-process SessionId -> Listener
// map: the SessionRegistry named in spec.md §4.5. Sessions are inserted
// when a driver starts waiting for subscribers and removed either when
// the last expected peer subscribes (promoted to a Broadcaster) or when
// setup times out.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/silvanus-network/tss-node/listener"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/sessionid"
)

// DefaultSetupTimeout is SETUP_TIMEOUT from spec.md §4.5.
const DefaultSetupTimeout = 10 * time.Second

var (
	// ErrAlreadyRegistered is returned by Insert when a session is already
	// waiting under the same key.
	ErrAlreadyRegistered = fmt.Errorf("registry: session already registered")
	// ErrNoListener is returned by Subscribe when no session is waiting
	// under the key. A known session the caller isn't a member of yields
	// the Listener's own error instead; package subscribe reports both
	// cases to the peer as the same "no listener" (spec.md §4.2 Policy).
	ErrNoListener = fmt.Errorf("registry: no listener")
)

type entry struct {
	listener  *listener.Listener
	readyCh   <-chan listener.ReadySignal
	createdAt time.Time
}

// Registry is the concurrent SessionId -> Listener map.
type Registry struct {
	mu           sync.Mutex
	sessions     map[sessionid.Key]*entry
	setupTimeout time.Duration

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New builds an empty Registry and starts its background timeout
// sweeper. Call Close to stop the sweeper.
func New(setupTimeout time.Duration) *Registry {
	if setupTimeout <= 0 {
		setupTimeout = DefaultSetupTimeout
	}
	r := &Registry{
		sessions:     make(map[sessionid.Key]*entry),
		setupTimeout: setupTimeout,
		stopSweep:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Insert registers a new session's Listener. Fails if the key is already
// in use by an in-flight setup.
func (r *Registry) Insert(id sessionid.SessionId, l *listener.Listener, readyCh <-chan listener.ReadySignal) error {
	key, err := id.Key()
	if err != nil {
		return fmt.Errorf("registry: derive session key: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[key]; exists {
		return ErrAlreadyRegistered
	}
	r.sessions[key] = &entry{listener: l, readyCh: readyCh, createdAt: timeNow()}
	return nil
}

// Contains reports whether a session is currently waiting for
// subscribers, used by SubscribeProtocol's bounded wait-and-retry.
func (r *Registry) Contains(key sessionid.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[key]
	return ok
}

// Subscribe looks up the session by key and delegates to its Listener.
// On the final subscription it removes the registry entry, since the
// Listener has converted itself into a Broadcaster and is no longer
// addressable by key.
func (r *Registry) Subscribe(key sessionid.Key, id party.ID) (listener.Channels, error) {
	r.mu.Lock()
	e, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return listener.Channels{}, ErrNoListener
	}
	r.mu.Unlock()

	chans, err := e.listener.Subscribe(id)
	if err != nil {
		return listener.Channels{}, err
	}
	if chans.IsFinal {
		r.mu.Lock()
		delete(r.sessions, key)
		r.mu.Unlock()
	}
	return chans, nil
}

// ExpectedKey exposes the awaited x25519 static key for a party in a
// still-pending session, for SubscribeProtocol's key-mismatch check.
func (r *Registry) ExpectedKey(key sessionid.Key, id party.ID) ([32]byte, bool) {
	r.mu.Lock()
	e, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return [32]byte{}, false
	}
	return e.listener.ExpectedKey(id)
}

// ExpectedParties exposes the still-awaited PartyIds for a pending
// session, for SubscribeProtocol's signature-based PartyId recovery.
func (r *Registry) ExpectedParties(key sessionid.Key) ([]party.ID, bool) {
	r.mu.Lock()
	e, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.listener.ExpectedParties(), true
}

// Wait returns a pending session's readiness signal channel (fired once
// the Listener converts, or on abort/timeout) without blocking; the
// caller receives from it.
func (r *Registry) Wait(key sessionid.Key) (<-chan listener.ReadySignal, bool) {
	r.mu.Lock()
	e, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.readyCh, true
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.setupTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepExpired()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweepExpired() {
	deadline := timeNow().Add(-r.setupTimeout)
	var expired []*entry
	r.mu.Lock()
	for key, e := range r.sessions {
		if e.createdAt.Before(deadline) {
			expired = append(expired, e)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()
	for _, e := range expired {
		e.listener.Abort(fmt.Errorf("registry: setup timeout"))
	}
}

// Close stops the background sweeper. Safe to call once.
func (r *Registry) Close() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

// timeNow is a seam so tests could substitute a fake clock; production
// code always uses the wall clock.
var timeNow = time.Now
