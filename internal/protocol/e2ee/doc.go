// Package e2ee is the cryptographic session primitive library: opaque
// Account and Session objects over X3DH key agreement and the Double
// Ratchet.
//
// An Account owns the long-lived identity key pair (X25519 for
// Diffie-Hellman, Ed25519 for signing) and a pool of one-time keys. A
// Session is the evolving pairwise ratchet state with one peer,
// created either outbound (consuming a peer's published one-time key)
// or inbound (from a received pre-key message).
//
// Both object kinds pickle to an encrypted-at-rest blob under a
// caller-supplied password; all private material stays inside the
// objects and their pickles.
//
// Concurrency: Account and Session are NOT safe for concurrent use.
// Callers must serialise operations per object, and must persist the
// updated pickle after every mutating call.
package e2ee
