package domain

// UserID identifies an account owner or a peer.
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// KeyID uniquely identifies a one-time key within an account.
type KeyID string

// String returns the string form of the key id.
func (k KeyID) String() string { return string(k) }

// KeyVersion is the server-authoritative rotation counter for an
// account's published keys. It starts at 1 and only ever increases.
type KeyVersion uint32

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }
