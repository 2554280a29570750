// Package store persists pickled account and session state in a local
// SQLite database. Only opaque encrypted blobs and public metadata are
// written; plaintext key material never touches disk.
package store
