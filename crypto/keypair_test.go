package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	if isZeroKey(kp.Public) || isZeroKey(kp.Private) {
		t.Fatal("GenerateKeyPair() returned a zero key")
	}

	kp2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	if bytes.Equal(kp.Private[:], kp2.Private[:]) {
		t.Fatal("two GenerateKeyPair() calls produced identical private keys")
	}
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	var zero [32]byte
	if _, err := FromSecretKey(zero); err == nil {
		t.Fatal("expected error for all-zero secret key")
	}
}

func TestFromSecretKeyDeterministic(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("deterministic-static-key-seed!!"))

	a, err := FromSecretKey(secret)
	if err != nil {
		t.Fatalf("FromSecretKey() error: %v", err)
	}
	b, err := FromSecretKey(secret)
	if err != nil {
		t.Fatalf("FromSecretKey() error: %v", err)
	}
	if a.Public != b.Public {
		t.Fatal("same secret must derive the same public key")
	}
}
