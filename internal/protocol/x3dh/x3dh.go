package x3dh

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"sipher/internal/crypto"
	"sipher/internal/util/memzero"
)

// kdfInfo domain-separates the root key derivation.
var kdfInfo = []byte("sipher-x3dh-v1")

// InitiatorRoot derives the root key on the initiating side.
//
// ourIDPriv is the initiator's identity private key, ourEphPriv a fresh
// ephemeral private key, peerIdentity and peerOneTime the responder's
// published identity key and the one-time key being consumed.
func InitiatorRoot(ourIDPriv, ourEphPriv, peerIdentity, peerOneTime [32]byte) ([]byte, error) {
	dh1, err := crypto.DH(ourIDPriv, peerOneTime) // DH(IKa, OTKb)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourEphPriv, peerIdentity) // DH(EKa, IKb)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourEphPriv, peerOneTime) // DH(EKa, OTKb)
	if err != nil {
		return nil, err
	}
	return rootFromTranscript(dh1, dh2, dh3), nil
}

// ResponderRoot derives the same root key on the responding side.
//
// ourIDPriv is the responder's identity private key, otkPriv the
// private half of the consumed one-time key, peerIdentity and peerEph
// the initiator's identity and ephemeral public keys from the pre-key
// message.
func ResponderRoot(ourIDPriv, otkPriv, peerIdentity, peerEph [32]byte) ([]byte, error) {
	dh1, err := crypto.DH(otkPriv, peerIdentity) // DH(OTKb, IKa)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIDPriv, peerEph) // DH(IKb, EKa)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(otkPriv, peerEph) // DH(OTKb, EKa)
	if err != nil {
		return nil, err
	}
	return rootFromTranscript(dh1, dh2, dh3), nil
}

func rootFromTranscript(dhs ...[32]byte) []byte {
	transcript := make([]byte, 0, 32*len(dhs))
	for i := range dhs {
		transcript = append(transcript, dhs[i][:]...)
	}
	r := hkdf.New(sha256.New, transcript, nil, kdfInfo)
	root := make([]byte, 32)
	_, _ = io.ReadFull(r, root)
	memzero.Zero(transcript)
	return root
}
