package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of a signing signature in bytes.
//
// The spec calls for an sr25519-compatible scheme for SubscribeMessage
// signatures; no sr25519 library is available in the dependency corpus
// this runtime was grounded on, so Ed25519 is used instead (see
// DESIGN.md's Open Question resolution).
const SignatureSize = ed25519.SignatureSize

// Signature is a detached signing signature.
type Signature [SignatureSize]byte

// SigningKeyPair is a long-term Ed25519 identity key pair. PartyId is
// derived from the public half; the private half signs SubscribeMessages
// and protocol message envelopes.
type SigningKeyPair struct {
	Public  [ed25519.PublicKeySize]byte
	private ed25519.PrivateKey
}

// NewSigningKeyPair derives a signing key pair from a 32-byte seed.
func NewSigningKeyPair(seed [32]byte) (*SigningKeyPair, error) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	kp := &SigningKeyPair{private: priv}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// SignPrehash signs an already-hashed message. The raw private key is
// never exposed outside this method.
func (kp *SigningKeyPair) SignPrehash(hash []byte) (Signature, error) {
	if kp == nil || len(kp.private) == 0 {
		return Signature{}, errors.New("signing key not initialized")
	}
	var sig Signature
	copy(sig[:], ed25519.Sign(kp.private, hash))
	return sig, nil
}

// Zero wipes the private key material.
func (kp *SigningKeyPair) Zero() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.private)
}

// Verify checks a signature against a message and public key.
func Verify(message []byte, signature Signature, publicKey [ed25519.PublicKeySize]byte) bool {
	return ed25519.Verify(publicKey[:], message, signature[:])
}
