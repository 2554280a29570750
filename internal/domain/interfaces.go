package domain

import "context"

// AccountStore persists pickled accounts keyed by owner id.
type AccountStore interface {
	SaveAccount(ctx context.Context, rec AccountRecord) error
	LoadAccount(ctx context.Context, owner UserID) (AccountRecord, error)
	DeleteAccount(ctx context.Context, owner UserID) error
}

// SessionStore persists pickled sessions keyed by (owner, peer). At
// most one session exists per pair.
type SessionStore interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	LoadSession(ctx context.Context, owner, peer UserID) (SessionRecord, error)
	DeleteSession(ctx context.Context, owner, peer UserID) error
	DeleteSessions(ctx context.Context, owner UserID) error
	ListPeers(ctx context.Context, owner UserID) ([]UserID, error)
}

// KeyServerClient talks to the server-side key store. The server holds
// only public key material and key versions.
type KeyServerClient interface {
	// PublishKeys uploads identity and one-time public keys. Without
	// force it fails with ErrAccountExists if keys are already
	// registered; with force the server increments and returns the new
	// key version.
	PublishKeys(ctx context.Context, user UserID, identity IdentityKeys, oneTimeKeys []OneTimeKey, force bool) (KeyVersion, error)

	// ConsumeOneTimeKey atomically removes a one-time key. A key id
	// consumed once is ErrNotFound forever after.
	ConsumeOneTimeKey(ctx context.Context, user UserID, keyID KeyID) error

	// GetKeyVersion reports the user's current key version and identity
	// key, or ErrNotFound if the user has never published.
	GetKeyVersion(ctx context.Context, user UserID) (PeerKeyInfo, error)

	// FetchAccount returns the user's published identity and remaining
	// one-time keys.
	FetchAccount(ctx context.Context, user UserID) (PublishedAccount, error)
}

// Transport delivers outbound envelopes; inbound envelopes arrive via
// the handler registered at dial time.
type Transport interface {
	Send(ctx context.Context, env OutboundEnvelope) error
	Close() error
}

// MessageSink receives plaintext after decryption. The real
// implementation is the message store, which is outside this core.
type MessageSink interface {
	Store(ctx context.Context, msg DecryptedMessage) error
}
