package ratchet_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"sipher/internal/crypto"
	"sipher/internal/protocol/ratchet"
)

// pair sets up two ratchet states sharing a root key, A initiating.
func pair(t *testing.T) (a, b ratchet.State) {
	t.Helper()
	rk := bytes.Repeat([]byte{0x42}, 32)

	bPriv, bPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	a, err = ratchet.InitInitiator(rk, bPub)
	require.NoError(t, err)
	b, err = ratchet.InitResponder(rk, bPriv, a.DHPub)
	require.NoError(t, err)
	return a, b
}

func TestOneRoundTrip(t *testing.T) {
	a, b := pair(t)

	header, ct, err := ratchet.Encrypt(&a, nil, []byte("hi"))
	require.NoError(t, err)
	pt, err := ratchet.Decrypt(&b, nil, header, ct)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))
}

func TestBothDirections(t *testing.T) {
	a, b := pair(t)

	for i, msg := range []string{"one", "two", "three"} {
		h, ct, err := ratchet.Encrypt(&a, nil, []byte(msg))
		require.NoError(t, err, "a->b %d", i)
		pt, err := ratchet.Decrypt(&b, nil, h, ct)
		require.NoError(t, err, "a->b %d", i)
		require.Equal(t, msg, string(pt))
	}

	// Responder's first send triggers a DH ratchet step.
	h, ct, err := ratchet.Encrypt(&b, nil, []byte("reply"))
	require.NoError(t, err)
	pt, err := ratchet.Decrypt(&a, nil, h, ct)
	require.NoError(t, err)
	require.Equal(t, "reply", string(pt))

	// And back again on the advanced chains.
	h, ct, err = ratchet.Encrypt(&a, nil, []byte("again"))
	require.NoError(t, err)
	pt, err = ratchet.Decrypt(&b, nil, h, ct)
	require.NoError(t, err)
	require.Equal(t, "again", string(pt))
}

func TestOutOfOrderDelivery(t *testing.T) {
	a, b := pair(t)

	h1, ct1, err := ratchet.Encrypt(&a, nil, []byte("first"))
	require.NoError(t, err)
	h2, ct2, err := ratchet.Encrypt(&a, nil, []byte("second"))
	require.NoError(t, err)

	// Deliver the second message first; the skipped key for the first
	// message must still open it afterwards.
	pt2, err := ratchet.Decrypt(&b, nil, h2, ct2)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt2))

	pt1, err := ratchet.Decrypt(&b, nil, h1, ct1)
	require.NoError(t, err)
	require.Equal(t, "first", string(pt1))
}

func TestLateMessageAcrossRatchetStep(t *testing.T) {
	a, b := pair(t)

	h1, ct1, err := ratchet.Encrypt(&a, nil, []byte("held back"))
	require.NoError(t, err)
	h2, ct2, err := ratchet.Encrypt(&a, nil, []byte("arrives first"))
	require.NoError(t, err)

	pt, err := ratchet.Decrypt(&b, nil, h2, ct2)
	require.NoError(t, err)
	require.Equal(t, "arrives first", string(pt))

	// A full round trip moves both sides onto new chains.
	h, ct, err := ratchet.Encrypt(&b, nil, []byte("reply"))
	require.NoError(t, err)
	_, err = ratchet.Decrypt(&a, nil, h, ct)
	require.NoError(t, err)
	h, ct, err = ratchet.Encrypt(&a, nil, []byte("newer"))
	require.NoError(t, err)
	_, err = ratchet.Decrypt(&b, nil, h, ct)
	require.NoError(t, err)

	// The held-back message from the retired chain still opens.
	pt, err = ratchet.Decrypt(&b, nil, h1, ct1)
	require.NoError(t, err)
	require.Equal(t, "held back", string(pt))
}

func TestRedeliveredMessageLeavesStateIntact(t *testing.T) {
	a, b := pair(t)

	h1, ct1, err := ratchet.Encrypt(&a, nil, []byte("once"))
	require.NoError(t, err)
	pt, err := ratchet.Decrypt(&b, nil, h1, ct1)
	require.NoError(t, err)
	require.Equal(t, "once", string(pt))

	// An at-least-once transport may hand us the same frame again. The
	// message key is gone so the decrypt fails, but the receiving chain
	// must not advance past unseen messages because of it.
	_, err = ratchet.Decrypt(&b, nil, h1, ct1)
	require.Error(t, err)

	h2, ct2, err := ratchet.Encrypt(&a, nil, []byte("twice"))
	require.NoError(t, err)
	pt, err = ratchet.Decrypt(&b, nil, h2, ct2)
	require.NoError(t, err)
	require.Equal(t, "twice", string(pt))
}

func TestTamperedCiphertextFails(t *testing.T) {
	a, b := pair(t)

	h, ct, err := ratchet.Encrypt(&a, nil, []byte("secret"))
	require.NoError(t, err)
	ct[0] ^= 0xff
	_, err = ratchet.Decrypt(&b, nil, h, ct)
	require.Error(t, err)
}
