// Package crypto wraps key generation and the small primitives shared
// by the protocol packages: X25519, Ed25519, fingerprints, and base64
// helpers for public key material on the wire.
package crypto
