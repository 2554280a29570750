package e2ee

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"sipher/internal/protocol/ratchet"
	"sipher/internal/util/memzero"
)

// The current supported version of the pickled blob format.
const pickleFormatVersion = 1

const pickleSaltSize = 16

var (
	// ErrWrongPickleKey is returned when the password is incorrect or
	// the ciphertext has been modified.
	ErrWrongPickleKey = errors.New("wrong pickle password or tampered blob")

	// ErrPickleCorrupt is returned when the blob structure itself is
	// damaged and cannot even be attempted.
	ErrPickleCorrupt = errors.New("pickled blob is malformed")
)

// pickleEnvelope is the on-disk JSON structure holding the ciphertext
// and KDF salt.
type pickleEnvelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

type pickledAccount struct {
	IdPriv      [32]byte      `json:"id_priv"`
	IdPub       [32]byte      `json:"id_pub"`
	EdPriv      []byte        `json:"ed_priv"`
	EdPub       []byte        `json:"ed_pub"`
	OneTimeKeys []*oneTimeKey `json:"one_time_keys"`
}

type pickledSession struct {
	ID               string        `json:"id"`
	State            ratchet.State `json:"state"`
	Established      bool          `json:"established"`
	PeerIdentity     string        `json:"peer_identity"`
	PendingIdentity  string        `json:"pending_identity,omitempty"`
	PendingEphemeral string        `json:"pending_ephemeral,omitempty"`
	PendingOTKID     string        `json:"pending_otk_id,omitempty"`
	ConsumedOTKID    string        `json:"consumed_otk_id,omitempty"`
}

// Pickle serializes the account into an encrypted blob under password.
func (a *Account) Pickle(password string) ([]byte, error) {
	raw, err := json.Marshal(pickledAccount{
		IdPriv:      a.idPriv,
		IdPub:       a.idPub,
		EdPriv:      a.edPriv,
		EdPub:       a.edPub,
		OneTimeKeys: a.otks,
	})
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)
	return seal(password, raw)
}

// UnpickleAccount reverses Account.Pickle. A wrong password yields
// ErrWrongPickleKey, never a partially initialized account.
func UnpickleAccount(blob []byte, password string) (*Account, error) {
	raw, err := open(password, blob)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)

	var pa pickledAccount
	if err := json.Unmarshal(raw, &pa); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickleCorrupt, err)
	}
	return &Account{
		idPriv: pa.IdPriv,
		idPub:  pa.IdPub,
		edPriv: ed25519.PrivateKey(pa.EdPriv),
		edPub:  ed25519.PublicKey(pa.EdPub),
		otks:   pa.OneTimeKeys,
	}, nil
}

// Pickle serializes the session into an encrypted blob under password.
func (s *Session) Pickle(password string) ([]byte, error) {
	raw, err := json.Marshal(pickledSession{
		ID:               s.id,
		State:            s.st,
		Established:      s.established,
		PeerIdentity:     s.peerIdentity,
		PendingIdentity:  s.pendingIdentity,
		PendingEphemeral: s.pendingEphemeral,
		PendingOTKID:     s.pendingOTKID,
		ConsumedOTKID:    s.consumedOTKID,
	})
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)
	return seal(password, raw)
}

// UnpickleSession reverses Session.Pickle.
func UnpickleSession(blob []byte, password string) (*Session, error) {
	raw, err := open(password, blob)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)

	var ps pickledSession
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickleCorrupt, err)
	}
	if ps.State.Skipped == nil {
		ps.State.Skipped = make(map[string][]byte)
	}
	return &Session{
		id:               ps.ID,
		st:               ps.State,
		established:      ps.Established,
		peerIdentity:     ps.PeerIdentity,
		pendingIdentity:  ps.PendingIdentity,
		pendingEphemeral: ps.PendingEphemeral,
		pendingOTKID:     ps.PendingOTKID,
		consumedOTKID:    ps.ConsumedOTKID,
	}, nil
}

// seal derives a key from password and encrypts raw into a JSON
// envelope.
func seal(password string, raw []byte) ([]byte, error) {
	salt := make([]byte, pickleSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(password, salt)
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, raw, salt)
	return json.Marshal(pickleEnvelope{V: pickleFormatVersion, Salt: salt, Nonce: nonce, Cipher: ct})
}

// open reverses seal.
func open(password string, blob []byte) ([]byte, error) {
	var env pickleEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickleCorrupt, err)
	}
	if env.V > pickleFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrPickleCorrupt, env.V)
	}
	if len(env.Salt) != pickleSaltSize || len(env.Nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: bad salt or nonce", ErrPickleCorrupt)
	}
	key := deriveKey(password, env.Salt)
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	raw, err := aead.Open(nil, env.Nonce, env.Cipher, env.Salt)
	if err != nil {
		return nil, ErrWrongPickleKey
	}
	return raw, nil
}

// deriveKey stretches the pickle password with Argon2id.
func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}
