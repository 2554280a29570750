// Package keyserver implements both sides of the server-side key
// store contract: the HTTP client used by the session lifecycle
// manager, and an in-memory reference server that also relays
// envelopes between connected users over websockets.
//
// The server sees only public key material, key versions, and
// ciphertext. Key versions are server-authoritative: every forced
// re-publish increments the version by exactly one.
package keyserver
