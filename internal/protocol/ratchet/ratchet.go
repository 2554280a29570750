package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"sipher/internal/crypto"
	"sipher/internal/util/memzero"
)

const (
	aeadKeySize  = 32
	nonceSize    = chacha20poly1305.NonceSize
	maxSkippedMK = 1000
)

var errChainUninitialised = errors.New("ratchet chain key is uninitialised")

// Header is sent alongside every ciphertext.
type Header struct {
	DHPub []byte `json:"dh_pub"`
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// State contains all fields the Double Ratchet needs to track. The
// fields are exported for pickling only; callers must treat State as
// opaque.
type State struct {
	RootKey   []byte            `json:"root_key"`
	DHPriv    [32]byte          `json:"dh_priv"`
	DHPub     [32]byte          `json:"dh_pub"`
	PeerDHPub [32]byte          `json:"peer_dh_pub"`
	SendCK    []byte            `json:"send_ck,omitempty"`
	RecvCK    []byte            `json:"recv_ck,omitempty"`
	Ns        uint32            `json:"ns"`
	Nr        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped_keys"`
}

// InitInitiator seeds the sending chain from root using a fresh ratchet
// key pair and the peer's identity public key.
func InitInitiator(root []byte, peerIdentity [32]byte) (State, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return State{}, err
	}
	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return State{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return State{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity, // placeholder until first remote ratchet pub arrives
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitResponder seeds the receiving chain from root using our identity
// private key and the sender's ratchet public key.
func InitResponder(root []byte, ourIDPriv, senderRatchetPub [32]byte) (State, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return State{}, err
	}
	dh, err := crypto.DH(ourIDPriv, senderRatchetPub)
	if err != nil {
		return State{}, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return State{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext, auto-stepping the DH
// ratchet on the first send after responding.
func Encrypt(st *State, ad, plaintext []byte) (Header, []byte, error) {
	// SendCK uninitialised means this is the responder's first send:
	// perform a DH ratchet step before deriving a message key.
	if len(st.SendCK) == 0 {
		st.PN = st.Ns
		st.Ns = 0

		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return Header{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDHPub)
		if err != nil {
			return Header{}, nil, err
		}
		rk2, sendCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		st.RootKey = rk2
		st.DHPriv, st.DHPub = newPriv, newPub
		st.SendCK = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return Header{}, nil, err
	}
	h := Header{DHPub: st.DHPub[:], PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return Header{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// Decrypt handles skipped keys, performs a DH ratchet step on new
// remote public keys, then opens the message. The state is committed
// only when authentication succeeds; a failed decrypt (redelivered or
// forged frame) leaves st exactly as it was.
func Decrypt(st *State, ad []byte, header Header, ciphertext []byte) ([]byte, error) {
	work := st.clone()
	pt, err := decrypt(&work, ad, header, ciphertext)
	if err != nil {
		return nil, err
	}
	*st = work
	return pt, nil
}

func (st *State) clone() State {
	out := *st
	out.Skipped = make(map[string][]byte, len(st.Skipped))
	for k, v := range st.Skipped {
		out.Skipped[k] = v
	}
	return out
}

func decrypt(st *State, ad []byte, header Header, ciphertext []byte) ([]byte, error) {
	if len(header.DHPub) != 32 {
		return nil, errors.New("ratchet header has malformed public key")
	}
	var hdrPub [32]byte
	copy(hdrPub[:], header.DHPub)

	// A late message from this or an earlier chain: its key was derived
	// and parked when later messages advanced past it.
	keyID := skippedKeyID(hdrPub, header.N)
	if mk, ok := st.Skipped[keyID]; ok {
		delete(st.Skipped, keyID)
		pt, err := open(mk, header, ad, ciphertext)
		memzero.Zero(mk)
		if err != nil {
			return nil, err
		}
		return pt, nil
	}

	// New DH pub: close out the old receiving chain, then step the
	// ratchet to derive the new receiving and sending chains.
	if !equal32(st.PeerDHPub[:], header.DHPub) {
		skipUntil(st, header.PN)

		dh, err := crypto.DH(st.DHPriv, hdrPub)
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		dh2, err := crypto.DH(newPriv, hdrPub)
		if err != nil {
			return nil, err
		}
		rk3, sendCK := kdfRK(rk2, dh2[:])
		memzero.Zero(dh2[:])

		st.PN = st.Ns
		st.Ns, st.Nr = 0, 0
		st.RootKey = rk3
		st.DHPriv, st.DHPub = newPriv, newPub
		st.PeerDHPub = hdrPub
		st.SendCK, st.RecvCK = sendCK, recvCK
	}

	skipUntil(st, header.N)
	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

// --- helpers ---

func seal(mk []byte, header Header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, append(ad, headerBytes(header)...)), nil
}

func open(mk []byte, header Header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Open(nil, nonce, ciphertext, append(ad, headerBytes(header)...))
}

func headerBytes(h Header) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("DR|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *State) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

func kdfCKRecv(st *State) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

func skippedKeyID(peer [32]byte, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}

// skipUntil derives and stores message keys up to pn with a hard cap.
func skipUntil(st *State, pn uint32) {
	if len(st.RecvCK) == 0 {
		return
	}
	for st.Nr < pn {
		mk, _ := kdfCKRecv(st)
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
