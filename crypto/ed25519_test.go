package crypto

import (
	"bytes"
	"testing"
)

func TestSignPrehashAndVerifyRoundTrip(t *testing.T) {
	var seed [32]byte
	copy(seed[:], []byte("0123456789abcdef0123456789abcde"))

	kp, err := NewSigningKeyPair(seed)
	if err != nil {
		t.Fatalf("NewSigningKeyPair() error: %v", err)
	}

	hash := bytes.Repeat([]byte{0x42}, 32)
	sig, err := kp.SignPrehash(hash)
	if err != nil {
		t.Fatalf("SignPrehash() error: %v", err)
	}

	if !Verify(hash, sig, kp.Public) {
		t.Fatal("Verify() rejected a signature produced by the matching key")
	}
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	var seed [32]byte
	copy(seed[:], []byte("0123456789abcdef0123456789abcde"))
	kp, err := NewSigningKeyPair(seed)
	if err != nil {
		t.Fatalf("NewSigningKeyPair() error: %v", err)
	}

	sig, err := kp.SignPrehash(bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("SignPrehash() error: %v", err)
	}

	if Verify(bytes.Repeat([]byte{0x02}, 32), sig, kp.Public) {
		t.Fatal("Verify() accepted a signature over a different message")
	}
}

func TestSignPrehashNilReceiver(t *testing.T) {
	var kp *SigningKeyPair
	if _, err := kp.SignPrehash([]byte("x")); err == nil {
		t.Fatal("expected error signing with an uninitialized key pair")
	}
}

func TestDeterministicFromSeed(t *testing.T) {
	var seed [32]byte
	copy(seed[:], []byte("fixed-session-seed-for-testing."))

	a, err := NewSigningKeyPair(seed)
	if err != nil {
		t.Fatalf("NewSigningKeyPair() error: %v", err)
	}
	b, err := NewSigningKeyPair(seed)
	if err != nil {
		t.Fatalf("NewSigningKeyPair() error: %v", err)
	}
	if a.Public != b.Public {
		t.Fatal("same seed must derive the same public key")
	}
}
