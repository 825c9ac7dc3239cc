// Package crypto implements the long-term cryptographic primitives used by
// the threshold-signing runtime: the x25519 static keys that anchor the
// noise-XK transport, and the Ed25519 signing keys parties use to prove
// committee membership and to sign SubscribeMessages.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a static x25519 key pair. The private half backs a party's
// noise-XK identity; it must never be logged or transmitted.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random x25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"package":  "crypto",
	})

	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logger.WithError(err).Error("failed to generate x25519 key pair")
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	logger.WithField("public_key_preview", fmt.Sprintf("%x", keyPair.Public[:8])).
		Debug("generated x25519 key pair")

	return keyPair, nil
}

// FromSecretKey derives a key pair from an existing private key, e.g. one
// loaded from the validator's keystore at startup.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	var privateKey [32]byte
	copy(privateKey[:], secretKey[:])

	// curve25519 clamping, required before scalar multiplication.
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	keyPair := &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}

	ZeroBytes(privateKey[:])

	return keyPair, nil
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
