// Package sessionid implements the tagged SessionId variant used as the
// noise-XK handshake context and as the SessionRegistry lookup key.
//
// Every honest party in a session must compute byte-identical encodings
// for the same logical session, so the encoding here follows spec.md §6
// exactly: a tag byte followed by a fixed, field-ordered layout per kind.
package sessionid

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2s"

	"github.com/silvanus-network/tss-node/party"
)

// Kind distinguishes the three session variants.
type Kind uint8

const (
	// KindSign is an interactive signing session for an existing key.
	KindSign Kind = iota + 1
	// KindDkg is a distributed key generation session.
	KindDkg
	// KindProactiveRefresh is a proactive key-share refresh session.
	KindProactiveRefresh
)

// SessionId is the deterministic, tagged identifier for one MPC session.
type SessionId struct {
	Kind Kind

	// Sign fields.
	VerifyingKey  []byte // SEC1-compressed, 33 bytes
	MessageHash   [32]byte
	RequestAuthor party.ID

	// Dkg / ProactiveRefresh fields.
	BlockNumber       uint32
	SigRequestAccount []party.ID
}

// Sign constructs a SessionId for an interactive signing session.
func Sign(verifyingKey []byte, messageHash [32]byte, requestAuthor party.ID) SessionId {
	vk := make([]byte, len(verifyingKey))
	copy(vk, verifyingKey)
	return SessionId{
		Kind:          KindSign,
		VerifyingKey:  vk,
		MessageHash:   messageHash,
		RequestAuthor: requestAuthor,
	}
}

// Dkg constructs a SessionId for a distributed key generation session.
func Dkg(blockNumber uint32, accounts []party.ID) SessionId {
	accts := make([]party.ID, len(accounts))
	copy(accts, accounts)
	return SessionId{
		Kind:              KindDkg,
		BlockNumber:       blockNumber,
		SigRequestAccount: accts,
	}
}

// ProactiveRefresh constructs a SessionId for a key refresh session.
func ProactiveRefresh(accounts []party.ID, blockNumber uint32) SessionId {
	accts := make([]party.ID, len(accounts))
	copy(accts, accounts)
	return SessionId{
		Kind:              KindProactiveRefresh,
		SigRequestAccount: accts,
		BlockNumber:       blockNumber,
	}
}

// CanonicalEncoding produces the byte-for-byte encoding every honest party
// must agree on, per spec.md §6:
//
//   - Sign: tag, SEC1-compressed verifying key, 32-byte message hash,
//     32-byte request-author id.
//   - Dkg: tag, 4-byte big-endian block number, length-prefixed account list.
//   - ProactiveRefresh: tag, length-prefixed account list, 4-byte
//     big-endian block number.
func (s SessionId) CanonicalEncoding() ([]byte, error) {
	switch s.Kind {
	case KindSign:
		if len(s.VerifyingKey) != 33 {
			return nil, fmt.Errorf("sessionid: sign verifying key must be SEC1-compressed (33 bytes), got %d", len(s.VerifyingKey))
		}
		buf := make([]byte, 0, 1+33+32+32)
		buf = append(buf, byte(KindSign))
		buf = append(buf, s.VerifyingKey...)
		buf = append(buf, s.MessageHash[:]...)
		buf = append(buf, s.RequestAuthor[:]...)
		return buf, nil

	case KindDkg:
		buf := make([]byte, 0, 1+4+4+len(s.SigRequestAccount)*32)
		buf = append(buf, byte(KindDkg))
		buf = binary.BigEndian.AppendUint32(buf, s.BlockNumber)
		buf = appendAccounts(buf, s.SigRequestAccount)
		return buf, nil

	case KindProactiveRefresh:
		buf := make([]byte, 0, 1+4+4+len(s.SigRequestAccount)*32)
		buf = append(buf, byte(KindProactiveRefresh))
		buf = appendAccounts(buf, s.SigRequestAccount)
		buf = binary.BigEndian.AppendUint32(buf, s.BlockNumber)
		return buf, nil

	default:
		return nil, fmt.Errorf("sessionid: unknown kind %d", s.Kind)
	}
}

func appendAccounts(buf []byte, accounts []party.ID) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(accounts)))
	for _, a := range accounts {
		buf = append(buf, a[:]...)
	}
	return buf
}

// Digest returns the BLAKE2s-256 hash of the canonical encoding. It is
// the value a SubscribeMessage signs and carries in the third noise
// handshake message, and the SessionRegistry map key.
func (s SessionId) Digest() ([32]byte, error) {
	enc, err := s.CanonicalEncoding()
	if err != nil {
		return [32]byte{}, err
	}
	return blake2s.Sum256(enc), nil
}

// Key returns a comparable, map-usable key for this SessionId.
func (s SessionId) Key() (Key, error) {
	d, err := s.Digest()
	if err != nil {
		return Key{}, err
	}
	return Key(d), nil
}

// Key is the comparable form of a SessionId's digest, suitable as a map
// key in the SessionRegistry.
type Key [32]byte

func (k Key) String() string {
	return fmt.Sprintf("%x", k[:8])
}
