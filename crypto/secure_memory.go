package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe zeros data in place using a constant-time XOR so the
// compiler can't optimize the store away, and returns an error if data
// is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	// x XOR x = 0; subtle.XORBytes resists the compiler eliding the write.
	subtle.XORBytes(data, data, data)
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes wipes data, discarding SecureWipe's error for call sites that
// only ever pass a non-nil slice (SigningKeyPair.Zero, KeyPair wipers).
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases kp's private half. Call once kp is no longer needed.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
