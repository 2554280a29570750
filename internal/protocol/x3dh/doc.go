// Package x3dh implements the triple Diffie-Hellman key agreement used
// to bootstrap a pairwise session between two parties.
//
// # Overview
//
// The initiator derives a shared 32-byte root key with a responder who
// has published an identity key and a pool of one-time keys. One
// published one-time key is consumed per session.
//
// # Flows
//
// Initiator:
//  1. Generate an ephemeral X25519 key pair.
//  2. Compute DH values (IKa·OTKb, EKa·IKb, EKa·OTKb).
//  3. HKDF over the concatenated DH transcript to produce the root key.
//
// Responder:
//  1. Receive the pre-key message (initiator IK, ephemeral EK, OTK id).
//  2. Look up and consume the named one-time key.
//  3. Compute the symmetric DH set (OTKb·IKa, IKb·EKa, OTKb·EKa).
//  4. HKDF the same transcript to the identical root key.
//
// # Security notes
//
// Only public material is sent over the wire. The one-time key is
// deleted after first use, so a recorded handshake cannot be replayed
// against the responder.
package x3dh
