// Package session establishes, caches, and advances pairwise ratchet
// sessions. At most one session exists per peer; concurrent callers for
// the same peer are collapsed onto a single establishment and all
// ratchet mutations are serialized per peer.
package session
