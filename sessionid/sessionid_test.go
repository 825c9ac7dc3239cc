package sessionid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silvanus-network/tss-node/party"
)

func compressedKey(b byte) []byte {
	vk := make([]byte, 33)
	vk[0] = b
	return vk
}

func TestSignCanonicalEncodingDeterministic(t *testing.T) {
	author := party.FromVerifyingKey([]byte("author"))
	sid1 := Sign(compressedKey(0x02), [32]byte{1, 2, 3}, author)
	sid2 := Sign(compressedKey(0x02), [32]byte{1, 2, 3}, author)

	enc1, err := sid1.CanonicalEncoding()
	require.NoError(t, err)
	enc2, err := sid2.CanonicalEncoding()
	require.NoError(t, err)
	assert.Equal(t, enc1, enc2)
}

func TestSignRejectsNonSEC1Key(t *testing.T) {
	author := party.FromVerifyingKey([]byte("author"))
	sid := Sign([]byte{0x01, 0x02}, [32]byte{}, author)
	_, err := sid.CanonicalEncoding()
	assert.Error(t, err)
}

func TestDkgAndProactiveRefreshDiffer(t *testing.T) {
	accounts := []party.ID{party.FromVerifyingKey([]byte("a")), party.FromVerifyingKey([]byte("b"))}

	dkg := Dkg(7, accounts)
	refresh := ProactiveRefresh(accounts, 7)

	dkgEnc, err := dkg.CanonicalEncoding()
	require.NoError(t, err)
	refreshEnc, err := refresh.CanonicalEncoding()
	require.NoError(t, err)

	assert.NotEqual(t, dkgEnc, refreshEnc, "Dkg and ProactiveRefresh must not collide despite sharing field data")
	assert.Equal(t, byte(KindDkg), dkgEnc[0])
	assert.Equal(t, byte(KindProactiveRefresh), refreshEnc[0])
}

func TestDigestAndKeyAgree(t *testing.T) {
	author := party.FromVerifyingKey([]byte("author"))
	sid := Sign(compressedKey(0x03), [32]byte{9}, author)

	digest, err := sid.Digest()
	require.NoError(t, err)
	key, err := sid.Key()
	require.NoError(t, err)

	assert.Equal(t, Key(digest), key)
}

func TestDifferentAccountOrderProducesDifferentId(t *testing.T) {
	a := party.FromVerifyingKey([]byte("a"))
	b := party.FromVerifyingKey([]byte("b"))

	sid1 := Dkg(1, []party.ID{a, b})
	sid2 := Dkg(1, []party.ID{b, a})

	d1, err := sid1.Digest()
	require.NoError(t, err)
	d2, err := sid2.Digest()
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2, "SessionId binds account order; callers must canonicalize committee order before constructing it")
}

func TestKeyString(t *testing.T) {
	k := Key{0xde, 0xad, 0xbe, 0xef}
	assert.Contains(t, k.String(), "deadbeef")
}
