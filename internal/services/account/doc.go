// Package account manages the local cryptographic account: creation,
// publication of public keys to the key server, rotation, and the
// sync-state check between local and server-side key material.
package account
