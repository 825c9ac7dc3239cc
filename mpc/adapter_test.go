package mpc

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"sync"
	"testing"

	"github.com/binance-chain/tss-lib/tss"
	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeftPad32PadsShortSlices(t *testing.T) {
	got := leftPad32([]byte{0x01, 0x02})
	want := make([]byte, 32)
	want[30], want[31] = 0x01, 0x02
	assert.Equal(t, want, got)
}

func TestLeftPad32TruncatesFromTheLeft(t *testing.T) {
	in := make([]byte, 40)
	for i := range in {
		in[i] = byte(i)
	}
	got := leftPad32(in)
	assert.Len(t, got, 32)
	assert.Equal(t, in[8:], got)
}

func TestLeftPad32PassesThroughExactLength(t *testing.T) {
	in := make([]byte, 32)
	in[0] = 0xff
	got := leftPad32(in)
	assert.Equal(t, in, got)
}

func TestResultFromEndRejectsUnrecognizedType(t *testing.T) {
	_, err := resultFromEnd("not a known tss-lib output type")
	assert.Error(t, err)
}

// twoPartyIDs builds a deterministic 2-party tss-lib committee, sorted
// the same way session.Coordinator's tssPartyIDs does.
func twoPartyIDs() tss.SortedPartyIDs {
	unsorted := make(tss.UnSortedPartyIDs, 2)
	unsorted[0] = tss.NewPartyID("1", "1", big.NewInt(1))
	unsorted[1] = tss.NewPartyID("2", "2", big.NewInt(2))
	return tss.SortPartyIDs(unsorted)
}

// driveToCompletion runs n local Sessions to completion, feeding each
// party's outbound messages to the others directly with no network or
// wire encoding involved. This is the same start_receiving/dispatch/
// drain/receive/finalize shape as package driver's Run, scoped down to
// exercise TSSAdapter in isolation.
func driveToCompletion(t *testing.T, sessions []Session) []*Result {
	t.Helper()
	n := len(sessions)

	type delivery struct {
		from    int
		payload []byte
	}
	inboxes := make([]chan delivery, n)
	for i := range inboxes {
		inboxes[i] = make(chan delivery, 64)
	}
	results := make([]*Result, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			current := sessions[i]
			for {
				receiving, outbound, err := current.StartReceiving(rand.Reader)
				if err != nil {
					errs[i] = err
					return
				}
				for _, ob := range outbound {
					if ob.To == nil {
						for j := 0; j < n; j++ {
							if j == i {
								continue
							}
							inboxes[j] <- delivery{from: i, payload: ob.Payload}
						}
					} else {
						inboxes[*ob.To] <- delivery{from: i, payload: ob.Payload}
					}
				}
				for receiving.HasCachedMessages() {
					if err := receiving.ReceiveCachedMessage(); err != nil {
						errs[i] = err
						return
					}
				}
				for !receiving.CanFinalize() {
					d := <-inboxes[i]
					if err := receiving.Receive(d.from, d.payload); err != nil {
						errs[i] = err
						return
					}
				}
				outcome, err := receiving.Finalize(rand.Reader)
				if err != nil {
					errs[i] = err
					return
				}
				if outcome.Done() {
					results[i] = outcome.Result
					return
				}
				current = outcome.NextRound
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "party %d", i)
	}
	return results
}

// recoverPublicKey reconstructs the ECDSA public key from a message hash
// and a recoverable signature, using btcec's compact-signature recovery
// format (byte 0 selects the recovery id, bytes 1-64 are R||S).
func recoverPublicKey(hash []byte, sig *RecoverableSignature) ([]byte, error) {
	compact := make([]byte, 65)
	compact[0] = 27 + 4 + sig.RecID
	copy(compact[1:33], sig.R[:])
	copy(compact[33:65], sig.S[:])
	pub, _, err := btcec.RecoverCompact(btcec.S256(), compact, hash)
	if err != nil {
		return nil, err
	}
	return pub.SerializeCompressed(), nil
}

// TestTSSAdapterTwoPartyKeygenThenSigningRecoversKey runs a real 2-of-2
// DKG through TSSAdapter, then a real signing round over the resulting
// shares, and checks that the public key recovered from the produced
// (r, s, recid) matches the DKG's VerifyingKey — Testable Property 2
// from spec.md §8 ("recovering the key from (h, (r,s), recid) yields
// VK"), not previously exercised anywhere in this package's tests.
func TestTSSAdapterTwoPartyKeygenThenSigningRecoversKey(t *testing.T) {
	partyIDs := twoPartyIDs()
	curve := btcec.S256()
	threshold := len(partyIDs) - 1

	keygenSessions := make([]Session, len(partyIDs))
	for i := range partyIDs {
		params := tss.NewParameters(curve, tss.NewPeerContext(partyIDs), partyIDs[i], len(partyIDs), threshold)
		adapter, err := NewKeygenAdapter(params)
		require.NoError(t, err)
		keygenSessions[i] = adapter
	}

	keygenResults := driveToCompletion(t, keygenSessions)
	require.NotNil(t, keygenResults[0])
	require.NotNil(t, keygenResults[1])
	require.NotEmpty(t, keygenResults[0].VerifyingKey)
	assert.Equal(t, keygenResults[0].VerifyingKey, keygenResults[1].VerifyingKey,
		"every party's DKG output must agree on the shared verifying key")

	messageHash := sha256.Sum256([]byte("scenario A: 2-of-2 signing recovers the verifying key"))
	hashInt := new(big.Int).SetBytes(messageHash[:])

	signSessions := make([]Session, len(partyIDs))
	for i := range partyIDs {
		keyData, err := UnmarshalSaveData(keygenResults[i].KeyShare)
		require.NoError(t, err)
		params := tss.NewParameters(curve, tss.NewPeerContext(partyIDs), partyIDs[i], len(partyIDs), threshold)
		adapter, err := NewSigningAdapter(params, keyData, hashInt, nil)
		require.NoError(t, err)
		signSessions[i] = adapter
	}

	signResults := driveToCompletion(t, signSessions)

	for i, res := range signResults {
		require.NotNil(t, res, "party %d produced no result", i)
		require.NotNil(t, res.Signature, "party %d produced no signature", i)

		recovered, err := recoverPublicKey(messageHash[:], res.Signature)
		require.NoError(t, err, "party %d: recover public key", i)
		assert.Equal(t, keygenResults[i].VerifyingKey, recovered,
			"party %d: key recovered from (r,s,recid) must match the DKG's verifying key", i)
	}
}
