// Package server implements the HTTP/WS front door (SPEC_FULL.md §4.8):
// a gorilla/mux router exposing the /ws transport upgrade endpoint and
// the session-trigger endpoints that stand in for the chain-facing HTTP
// layer spec.md places out of scope.
//
// Grounded on pushchain-push-chain-node's gorilla/mux + structured
// logging middleware idiom, the corpus's closest match to a validator
// node's HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/silvanus-network/tss-node/keystore"
	"github.com/silvanus-network/tss-node/noisechan"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/registry"
	"github.com/silvanus-network/tss-node/subscribe"
	"github.com/silvanus-network/tss-node/transport"
	"github.com/silvanus-network/tss-node/validator"
)

// Server owns the HTTP/WS front door and the dependencies its handlers
// need to complete a handshake and hand a session off to the driver.
type Server struct {
	router         *mux.Router
	upgrader       websocket.Upgrader
	self           party.ID
	staticPriv     [32]byte
	directory      *validator.Directory
	registry       *registry.Registry
	keyshares      keystore.Store
	sessionTimeout time.Duration

	// StartSign, StartDkg, StartRefresh are wired in by cmd/tssd after
	// construction; each returns the SessionId string for the caller to
	// poll or correlate against later protocol traffic.
	StartSign    func(ctx context.Context, req SignRequest) (string, error)
	StartDkg     func(ctx context.Context, req DkgRequest) (string, error)
	StartRefresh func(ctx context.Context, req RefreshRequest) (string, error)
}

// New builds a Server and registers its routes.
func New(self party.ID, staticPriv [32]byte, dir *validator.Directory, reg *registry.Registry, keyshares keystore.Store, sessionTimeout time.Duration) *Server {
	s := &Server{
		router:         mux.NewRouter(),
		upgrader:       websocket.Upgrader{ReadBufferSize: noisechan.ScratchBufferSize, WriteBufferSize: noisechan.ScratchBufferSize},
		self:           self,
		staticPriv:     staticPriv,
		directory:      dir,
		registry:       reg,
		keyshares:      keyshares,
		sessionTimeout: sessionTimeout,
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler, suitable for http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(loggingMiddleware)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/session/sign", s.handleSign).Methods(http.MethodPost)
	s.router.HandleFunc("/session/dkg", s.handleDkg).Methods(http.MethodPost)
	s.router.HandleFunc("/session/refresh", s.handleRefresh).Methods(http.MethodPost)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"component": "server",
			"method":    r.Method,
			"path":      r.URL.Path,
			"duration":  time.Since(start),
		}).Info("request handled")
	})
}

// handleWS upgrades to a WebSocket, completes the XK responder handshake,
// and runs SubscribeProtocol's responder side against the registry.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ch, finalPayload, err := noisechan.HandshakeResponder(conn, s.staticPriv)
	if err != nil {
		logrus.WithError(err).Warn("noise handshake failed")
		conn.Close()
		return
	}

	chans, peerID, err := subscribe.Accept(ch, finalPayload, s.registry, s.directory)
	if err != nil {
		logrus.WithError(err).WithField("remote", ch.RemoteStatic()).Info("subscribe rejected")
		ch.Close()
		return
	}

	logrus.WithFields(logrus.Fields{
		"component": "server",
		"peer":      peerID.String(),
	}).Info("peer subscribed")

	// transport.Pump owns ch for the rest of the connection's lifetime,
	// shuttling wire.ProtocolMessage frames between it and the session's
	// per-peer Channels until the peer disconnects or the session ends.
	transport.Pump(r.Context(), ch, peerID, chans)
}

// SignRequest is the shape POST /session/sign accepts.
type SignRequest struct {
	VerifyingKeyHex string   `json:"verifying_key"`
	MessageHashHex  string   `json:"message_hash"`
	Committee       []string `json:"committee"`
}

// DkgRequest is the shape POST /session/dkg accepts.
type DkgRequest struct {
	BlockNumber uint32   `json:"block_number"`
	Accounts    []string `json:"accounts"`
}

// RefreshRequest is the shape POST /session/refresh accepts.
type RefreshRequest struct {
	BlockNumber uint32   `json:"block_number"`
	Accounts    []string `json:"accounts"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.StartSign(r.Context(), req)
	respondSession(w, id, err)
}

func (s *Server) handleDkg(w http.ResponseWriter, r *http.Request) {
	var req DkgRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.StartDkg(r.Context(), req)
	respondSession(w, id, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.StartRefresh(r.Context(), req)
	respondSession(w, id, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func respondSession(w http.ResponseWriter, sessionID string, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID})
}

