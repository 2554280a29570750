package e2ee

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"sipher/internal/crypto"
)

// DefaultOneTimeKeyCount is the batch size generated at account
// creation and rotation.
const DefaultOneTimeKeyCount = 50

var (
	// ErrUnknownOneTimeKey is returned when a pre-key message names a
	// one-time key this account no longer holds.
	ErrUnknownOneTimeKey = errors.New("unknown one-time key id")

	// ErrMalformedMessage is returned when a message body cannot be
	// parsed before any cryptographic processing.
	ErrMalformedMessage = errors.New("malformed message body")
)

// OneTimeKeyPublic is the publishable half of a one-time key.
type OneTimeKeyPublic struct {
	ID        string
	PublicKey string
}

type oneTimeKey struct {
	ID        string   `json:"id"`
	Priv      [32]byte `json:"priv"`
	Pub       [32]byte `json:"pub"`
	Published bool     `json:"published"`
}

// Account holds a local user's identity key pairs and one-time key
// pool. Treat it as opaque; private material never leaves it except
// inside a pickle.
type Account struct {
	idPriv [32]byte
	idPub  [32]byte
	edPriv ed25519.PrivateKey
	edPub  ed25519.PublicKey
	otks   []*oneTimeKey
}

// NewAccount generates a fresh identity (X25519 + Ed25519) with an
// empty one-time key pool.
func NewAccount() (*Account, error) {
	idPriv, idPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &Account{
		idPriv: idPriv,
		idPub:  idPub,
		edPriv: edPriv,
		edPub:  edPub,
	}, nil
}

// IdentityKeys returns the base64 public identity keys.
func (a *Account) IdentityKeys() (curve25519, ed25519Key string) {
	return crypto.B64(a.idPub[:]), crypto.B64(a.edPub)
}

// GenerateOneTimeKeys adds n fresh one-time keys to the pool.
func (a *Account) GenerateOneTimeKeys(n int) error {
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		id, err := newKeyID()
		if err != nil {
			return err
		}
		a.otks = append(a.otks, &oneTimeKey{ID: id, Priv: priv, Pub: pub})
	}
	return nil
}

// OneTimeKeys returns the public halves of keys not yet marked as
// published.
func (a *Account) OneTimeKeys() []OneTimeKeyPublic {
	out := make([]OneTimeKeyPublic, 0, len(a.otks))
	for _, k := range a.otks {
		if k.Published {
			continue
		}
		out = append(out, OneTimeKeyPublic{ID: k.ID, PublicKey: crypto.B64(k.Pub[:])})
	}
	return out
}

// MarkKeysAsPublished flags every pooled key as uploaded so it is not
// republished on the next sync.
func (a *Account) MarkKeysAsPublished() {
	for _, k := range a.otks {
		k.Published = true
	}
}

// RemoveOneTimeKeys deletes the one-time key consumed while creating
// the inbound session s. Call after NewInboundSession, then re-pickle
// the account.
func (a *Account) RemoveOneTimeKeys(s *Session) {
	if s == nil || s.consumedOTKID == "" {
		return
	}
	for i, k := range a.otks {
		if k.ID == s.consumedOTKID {
			a.otks = append(a.otks[:i], a.otks[i+1:]...)
			return
		}
	}
}

func (a *Account) oneTimeKeyByID(id string) (*oneTimeKey, bool) {
	for _, k := range a.otks {
		if k.ID == id {
			return k, true
		}
	}
	return nil, false
}

func newKeyID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return "otk-" + hex.EncodeToString(b[:]), nil
}
