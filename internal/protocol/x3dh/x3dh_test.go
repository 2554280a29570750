package x3dh_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sipher/internal/crypto"
	"sipher/internal/protocol/x3dh"
)

func TestInitiatorAndResponderRootAgree(t *testing.T) {
	// Alice initiates, Bob responds with one of his one-time keys.
	alicePriv, alicePub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bobPriv, bobPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	ephPriv, ephPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	otkPriv, otkPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	rootInitiator, err := x3dh.InitiatorRoot(alicePriv, ephPriv, bobPub, otkPub)
	require.NoError(t, err)

	rootResponder, err := x3dh.ResponderRoot(bobPriv, otkPriv, alicePub, ephPub)
	require.NoError(t, err)

	require.Equal(t, rootInitiator, rootResponder)
	require.Len(t, rootInitiator, 32)
}

func TestDifferentOneTimeKeysDiverge(t *testing.T) {
	alicePriv, _, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, bobPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	ephPriv, _, err := crypto.GenerateX25519()
	require.NoError(t, err)

	_, otk1Pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, otk2Pub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	root1, err := x3dh.InitiatorRoot(alicePriv, ephPriv, bobPub, otk1Pub)
	require.NoError(t, err)
	root2, err := x3dh.InitiatorRoot(alicePriv, ephPriv, bobPub, otk2Pub)
	require.NoError(t, err)

	require.NotEqual(t, root1, root2)
}
