// Package keysync detects peer key rotation. Each established session
// records the peer's key version and identity key; this service
// compares them against the server and invalidates sessions whose peer
// has re-keyed, so the next message establishes a fresh session.
package keysync
