package domain

import "errors"

var (
	// ErrAccountExists is returned by the key server when publishing
	// without force and an account is already registered.
	ErrAccountExists = errors.New("account already exists on server")

	// ErrNoOneTimeKeys is returned when a peer has no one-time keys
	// left to consume for an outbound session.
	ErrNoOneTimeKeys = errors.New("no one-time keys available")

	// ErrSessionCreationFailed wraps any primitive-library or network
	// failure while establishing a session.
	ErrSessionCreationFailed = errors.New("session creation failed")

	// ErrDecryptFailed is returned when a ciphertext cannot be opened
	// with the current session state.
	ErrDecryptFailed = errors.New("decrypt failed")

	// ErrWrongPassword is returned when a pickled blob cannot be opened
	// with the supplied password.
	ErrWrongPassword = errors.New("wrong password")

	// ErrStoreCorrupt is returned when a persisted blob is structurally
	// damaged. It is reported, never silently repaired.
	ErrStoreCorrupt = errors.New("local store corrupt")

	// ErrNoSession is returned when a ratcheted message arrives for a
	// peer with no established session.
	ErrNoSession = errors.New("no session with peer")

	// ErrNotFound is returned for missing accounts, sessions, and
	// already-consumed one-time keys.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEnvelope is returned for envelopes rejected at the
	// transport boundary.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)
