package e2ee

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"sipher/internal/crypto"
	"sipher/internal/protocol/ratchet"
	"sipher/internal/protocol/x3dh"
)

// Message type discriminants, mirrored by the transport envelope.
const (
	MessageTypePreKey  = 0
	MessageTypeRatchet = 1
)

// preKeyMessage is the body of a type-0 message: the X3DH parameters
// plus the first ratcheted ciphertext, so the recipient can derive the
// session and decrypt in one step.
type preKeyMessage struct {
	IdentityKey  string         `json:"identity_key"`
	EphemeralKey string         `json:"ephemeral_key"`
	OneTimeKeyID string         `json:"one_time_key_id"`
	Header       ratchet.Header `json:"header"`
	Ciphertext   []byte         `json:"ciphertext"`
}

// ratchetMessage is the body of a type-1 message.
type ratchetMessage struct {
	Header     ratchet.Header `json:"header"`
	Ciphertext []byte         `json:"ciphertext"`
}

// Session is the evolving pairwise ratchet state with a single peer.
type Session struct {
	id           string
	st           ratchet.State
	established  bool
	peerIdentity string

	// Outbound handshake material, embedded in every type-0 body until
	// the first message from the peer confirms the session.
	pendingIdentity  string
	pendingEphemeral string
	pendingOTKID     string

	// Inbound only: the local one-time key consumed at creation.
	consumedOTKID string
}

// NewOutboundSession establishes a session toward a peer from their
// published identity key and one unused one-time key.
func NewOutboundSession(a *Account, peerIdentityKey string, otk OneTimeKeyPublic) (*Session, error) {
	peerIK, err := crypto.Key32FromB64(peerIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("peer identity key: %w", err)
	}
	otkPub, err := crypto.Key32FromB64(otk.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("peer one-time key: %w", err)
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	root, err := x3dh.InitiatorRoot(a.idPriv, ephPriv, peerIK, otkPub)
	if err != nil {
		return nil, err
	}
	st, err := ratchet.InitInitiator(root, peerIK)
	if err != nil {
		return nil, err
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	curve, _ := a.IdentityKeys()
	return &Session{
		id:               id,
		st:               st,
		peerIdentity:     peerIdentityKey,
		pendingIdentity:  curve,
		pendingEphemeral: crypto.B64(ephPub[:]),
		pendingOTKID:     otk.ID,
	}, nil
}

// NewInboundSession derives a session from a received type-0 pre-key
// body. The named local one-time key must still be in the account's
// pool; call Account.RemoveOneTimeKeys afterwards to retire it.
func NewInboundSession(a *Account, preKeyBody string) (*Session, error) {
	pm, err := parsePreKeyBody(preKeyBody)
	if err != nil {
		return nil, err
	}
	otk, ok := a.oneTimeKeyByID(pm.OneTimeKeyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOneTimeKey, pm.OneTimeKeyID)
	}
	peerIK, err := crypto.Key32FromB64(pm.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad identity key", ErrMalformedMessage)
	}
	peerEph, err := crypto.Key32FromB64(pm.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeral key", ErrMalformedMessage)
	}
	if len(pm.Header.DHPub) != 32 {
		return nil, fmt.Errorf("%w: bad ratchet header", ErrMalformedMessage)
	}

	root, err := x3dh.ResponderRoot(a.idPriv, otk.Priv, peerIK, peerEph)
	if err != nil {
		return nil, err
	}
	var senderRatchetPub [32]byte
	copy(senderRatchetPub[:], pm.Header.DHPub)
	st, err := ratchet.InitResponder(root, a.idPriv, senderRatchetPub)
	if err != nil {
		return nil, err
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	return &Session{
		id:            id,
		st:            st,
		peerIdentity:  pm.IdentityKey,
		consumedOTKID: pm.OneTimeKeyID,
	}, nil
}

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// PeerIdentityKey returns the peer's base64 Curve25519 identity key
// captured at establishment.
func (s *Session) PeerIdentityKey() string { return s.peerIdentity }

// Established reports whether a message from the peer has confirmed
// the session.
func (s *Session) Established() bool { return s.established }

// Encrypt advances the sending chain and returns the message type and
// body. Outbound sessions emit type-0 pre-key bodies until the peer's
// first reply is decrypted; everything else is type 1. The caller must
// re-pickle the session afterwards.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	h, ct, err := ratchet.Encrypt(&s.st, nil, plaintext)
	if err != nil {
		return 0, "", err
	}
	if !s.established && s.pendingOTKID != "" {
		body, err := json.Marshal(preKeyMessage{
			IdentityKey:  s.pendingIdentity,
			EphemeralKey: s.pendingEphemeral,
			OneTimeKeyID: s.pendingOTKID,
			Header:       h,
			Ciphertext:   ct,
		})
		if err != nil {
			return 0, "", err
		}
		return MessageTypePreKey, crypto.B64(body), nil
	}
	body, err := json.Marshal(ratchetMessage{Header: h, Ciphertext: ct})
	if err != nil {
		return 0, "", err
	}
	return MessageTypeRatchet, crypto.B64(body), nil
}

// Decrypt advances the receiving chain and returns the plaintext. A
// successful decrypt marks the session established. The caller must
// re-pickle the session afterwards.
func (s *Session) Decrypt(messageType int, body string) ([]byte, error) {
	var (
		h  ratchet.Header
		ct []byte
	)
	switch messageType {
	case MessageTypePreKey:
		pm, err := parsePreKeyBody(body)
		if err != nil {
			return nil, err
		}
		h, ct = pm.Header, pm.Ciphertext
	case MessageTypeRatchet:
		raw, err := crypto.FromB64(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		var rm ratchetMessage
		if err := json.Unmarshal(raw, &rm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		h, ct = rm.Header, rm.Ciphertext
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrMalformedMessage, messageType)
	}

	pt, err := ratchet.Decrypt(&s.st, nil, h, ct)
	if err != nil {
		return nil, err
	}
	s.established = true
	s.pendingIdentity, s.pendingEphemeral, s.pendingOTKID = "", "", ""
	return pt, nil
}

// PreKeyIdentity peeks at the initiator identity key embedded in a
// type-0 body without constructing a session. Used to tell a duplicate
// pre-key message apart from a genuine re-keying by the peer.
func PreKeyIdentity(preKeyBody string) (string, error) {
	pm, err := parsePreKeyBody(preKeyBody)
	if err != nil {
		return "", err
	}
	return pm.IdentityKey, nil
}

func parsePreKeyBody(body string) (preKeyMessage, error) {
	raw, err := crypto.FromB64(body)
	if err != nil {
		return preKeyMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var pm preKeyMessage
	if err := json.Unmarshal(raw, &pm); err != nil {
		return preKeyMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if pm.IdentityKey == "" || pm.EphemeralKey == "" || pm.OneTimeKeyID == "" {
		return preKeyMessage{}, fmt.Errorf("%w: missing pre-key fields", ErrMalformedMessage)
	}
	return pm, nil
}

func newSessionID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
