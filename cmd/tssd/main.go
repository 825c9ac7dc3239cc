// Command tssd runs the threshold-signing protocol runtime: the
// encrypted transport, session gatekeeping, and session driver described
// in SPEC_FULL.md, fronted by an HTTP/WS server.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/silvanus-network/tss-node/config"
	tsscrypto "github.com/silvanus-network/tss-node/crypto"
	"github.com/silvanus-network/tss-node/keystore"
	"github.com/silvanus-network/tss-node/party"
	"github.com/silvanus-network/tss-node/registry"
	"github.com/silvanus-network/tss-node/server"
	"github.com/silvanus-network/tss-node/session"
	"github.com/silvanus-network/tss-node/sessionid"
	"github.com/silvanus-network/tss-node/validator"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "tssd",
		Short: "threshold-signing protocol runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (yaml/json/toml, viper-loaded)")
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("tssd exited with error")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the node's transport and session runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	signingKey, staticPriv, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	self := party.FromVerifyingKey(signingKey.Public[:])

	validators, err := loadValidators(cfg.ValidatorSetFile)
	if err != nil {
		return err
	}
	dir := validator.NewDirectory(validators)

	reg := registry.New(cfg.SetupTimeout)
	defer reg.Close()

	var atRestKey [32]byte
	copy(atRestKey[:], signingKey.Public[:]) // placeholder at-rest key derivation; see DESIGN.md
	store, err := keystore.NewFileStore(cfg.KeystoreDir, atRestKey)
	if err != nil {
		return err
	}

	session.DefaultSessionTimeout = cfg.SessionTimeout
	coord := &session.Coordinator{
		Self:       self,
		SigningKey: signingKey,
		StaticPriv: staticPriv,
		Directory:  dir,
		Registry:   reg,
		Keyshares:  store,
	}

	srv := server.New(self, staticPriv, dir, reg, store, cfg.SessionTimeout)
	wireHandlers(srv, coord, dir)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

	logrus.WithFields(logrus.Fields{
		"component": "tssd",
		"party":     self.String(),
		"listen":    cfg.ListenAddr,
	}).Info("starting")

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-sigCh:
		logrus.Info("shutting down")
		return httpServer.Shutdown(context.Background())
	}
	return nil
}

// wireHandlers binds the HTTP front door's trigger endpoints to the
// session coordinator, resolving the request bodies' hex-encoded
// identifiers into the domain types the coordinator expects.
func wireHandlers(srv *server.Server, coord *session.Coordinator, dir *validator.Directory) {
	srv.StartSign = func(ctx context.Context, req server.SignRequest) (string, error) {
		vk, err := hex.DecodeString(req.VerifyingKeyHex)
		if err != nil {
			return "", fmt.Errorf("invalid verifying_key: %w", err)
		}
		var hash [32]byte
		hb, err := hex.DecodeString(req.MessageHashHex)
		if err != nil || len(hb) != 32 {
			return "", fmt.Errorf("invalid message_hash")
		}
		copy(hash[:], hb)

		committee, keys, author, err := resolveCommittee(dir, req.Committee)
		if err != nil {
			return "", err
		}
		sid := sessionid.Sign(vk, hash, author)
		go func() {
			if _, err := coord.StartSign(ctx, sid, committee, keys, vk, hash); err != nil {
				logrus.WithError(err).Warn("signing session failed")
			}
		}()
		key, err := sid.Key()
		if err != nil {
			return "", err
		}
		return key.String(), nil
	}

	srv.StartDkg = func(ctx context.Context, req server.DkgRequest) (string, error) {
		committee, keys, _, err := resolveCommittee(dir, req.Accounts)
		if err != nil {
			return "", err
		}
		sid := sessionid.Dkg(req.BlockNumber, committee)
		go func() {
			if _, err := coord.StartDkg(ctx, sid, committee, keys); err != nil {
				logrus.WithError(err).Warn("dkg session failed")
			}
		}()
		key, err := sid.Key()
		if err != nil {
			return "", err
		}
		return key.String(), nil
	}

	srv.StartRefresh = func(ctx context.Context, req server.RefreshRequest) (string, error) {
		committee, keys, _, err := resolveCommittee(dir, req.Accounts)
		if err != nil {
			return "", err
		}
		sid := sessionid.ProactiveRefresh(committee, req.BlockNumber)
		go func() {
			if _, err := coord.StartRefresh(ctx, sid, committee, committee, keys, nil); err != nil {
				logrus.WithError(err).Warn("refresh session failed")
			}
		}()
		key, err := sid.Key()
		if err != nil {
			return "", err
		}
		return key.String(), nil
	}
}

func resolveCommittee(dir *validator.Directory, accountsHex []string) ([]party.ID, map[party.ID][32]byte, party.ID, error) {
	committee := make([]party.ID, 0, len(accountsHex))
	keys := make(map[party.ID][32]byte, len(accountsHex))
	for _, h := range accountsHex {
		acct, err := hex.DecodeString(h)
		if err != nil {
			return nil, nil, party.ID{}, fmt.Errorf("invalid account %q: %w", h, err)
		}
		id := party.FromVerifyingKey(acct)
		info, ok := dir.Lookup(id)
		if !ok {
			return nil, nil, party.ID{}, fmt.Errorf("unknown validator %q", h)
		}
		committee = append(committee, id)
		keys[id] = info.X25519PubKey
	}
	if len(committee) == 0 {
		return nil, nil, party.ID{}, fmt.Errorf("empty committee")
	}
	// SessionId binds the committee's order (sessionid.Dkg/ProactiveRefresh
	// do not sort), so every node computing the same session's SessionId
	// from its own trigger request must agree on that order regardless of
	// how the accounts were listed in the request body.
	party.Sort(committee)
	return committee, keys, committee[0], nil
}

func loadIdentity(cfg *config.Config) (*tsscrypto.SigningKeyPair, [32]byte, error) {
	signSeed, err := seedFromHex(cfg.SigningKeySeedHex)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("signing_key_seed: %w", err)
	}
	signingKey, err := tsscrypto.NewSigningKeyPair(signSeed)
	if err != nil {
		return nil, [32]byte{}, err
	}

	staticSeed, err := seedFromHex(cfg.StaticKeySeedHex)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("static_key_seed: %w", err)
	}
	staticKP, err := tsscrypto.FromSecretKey(staticSeed)
	if err != nil {
		return nil, [32]byte{}, err
	}
	staticPriv := staticKP.Private
	defer tsscrypto.WipeKeyPair(staticKP)
	return signingKey, staticPriv, nil
}

func seedFromHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("seed must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// validatorRecord is the on-disk JSON shape of one validator entry.
type validatorRecord struct {
	TssAccountHex   string `json:"tss_account"`
	X25519PubKeyHex string `json:"x25519_pubkey"`
	IPAddress       string `json:"ip_address"`
}

func loadValidators(path string) ([]validator.Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open validator set file: %w", err)
	}
	defer f.Close()

	var records []validatorRecord
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode validator set file: %w", err)
	}

	out := make([]validator.Info, 0, len(records))
	for _, r := range records {
		acct, err := hex.DecodeString(r.TssAccountHex)
		if err != nil {
			return nil, fmt.Errorf("validator %q: invalid tss_account: %w", r.IPAddress, err)
		}
		pkBytes, err := hex.DecodeString(r.X25519PubKeyHex)
		if err != nil || len(pkBytes) != 32 {
			return nil, fmt.Errorf("validator %q: invalid x25519_pubkey", r.IPAddress)
		}
		var pk [32]byte
		copy(pk[:], pkBytes)
		out = append(out, validator.Info{TssAccount: acct, X25519PubKey: pk, IPAddress: r.IPAddress})
	}
	return out, nil
}
