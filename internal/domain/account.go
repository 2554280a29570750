package domain

import "time"

// IdentityKeys is the public half of an account's long-lived identity:
// a Curve25519 key for Diffie-Hellman and an Ed25519 key for signing.
// Both are base64 encoded.
type IdentityKeys struct {
	Curve25519 string `json:"curve25519"`
	Ed25519    string `json:"ed25519"`
}

// OneTimeKey is the public half of a single-use key published to the
// server for asynchronous session establishment.
type OneTimeKey struct {
	ID        KeyID  `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// AccountRecord is the persisted form of a local account: the pickled
// (encrypted-at-rest) account object plus metadata. Private key
// material lives only inside the pickle.
type AccountRecord struct {
	OwnerID    UserID
	Pickle     []byte
	KeyVersion KeyVersion
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionRecord is the persisted form of a pairwise session. The peer's
// key version and identity key are captured at establishment time and
// compared against the server during key synchronization.
type SessionRecord struct {
	OwnerID         UserID
	PeerID          UserID
	Pickle          []byte
	PeerKeyVersion  KeyVersion
	PeerIdentityKey string
	UpdatedAt       time.Time
}

// PeerKeyInfo is what the server reports about a user's current keys.
type PeerKeyInfo struct {
	KeyVersion  KeyVersion   `json:"key_version"`
	IdentityKey IdentityKeys `json:"identity_key"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// PublishedAccount is a user's server-side key material as seen by a
// peer establishing an outbound session.
type PublishedAccount struct {
	UserID      UserID       `json:"user_id"`
	IdentityKey IdentityKeys `json:"identity_key"`
	OneTimeKeys []OneTimeKey `json:"one_time_keys"`
	KeyVersion  KeyVersion   `json:"key_version"`
}

// DecryptedMessage is the plaintext handed to the message sink after a
// successful decrypt.
type DecryptedMessage struct {
	From       UserID
	Plaintext  []byte
	ReceivedAt time.Time
}
