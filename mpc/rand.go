package mpc

import (
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

// DeterministicRand derives a reproducible randomness stream from a
// session's digest: every committee member runs the same SessionId
// through the same construction, so all parties hold an identical stream
// for a given session while still drawing an independent stream per
// session, since the digest already binds the committee, kind, and (for
// signing) message hash.
//
// The stream is the rng driver.Run passes to each round's StartReceiving
// and Finalize. TSSAdapter does not read from it: tss-lib draws its own
// randomness, so the stream does not reach tss-lib's proofs or key
// material.
//
// This is not a general-purpose CSPRNG substitute: it is keyed entirely
// by public, session-scoped data, so its output must never be treated as
// secret.
func DeterministicRand(sessionDigest [32]byte) (io.Reader, error) {
	var nonce [chacha20.NonceSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(sessionDigest[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("mpc: derive session randomness: %w", err)
	}
	return &chachaStream{cipher: cipher}, nil
}

// chachaStream exposes a keystream as an io.Reader.
type chachaStream struct {
	cipher *chacha20.Cipher
}

func (s *chachaStream) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	s.cipher.XORKeyStream(p, p)
	return len(p), nil
}
