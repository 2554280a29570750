// Package commands defines the sipher CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init         Create the local account and publish keys
//   - rotate       Replace all keys and drop every session
//   - fingerprint  Print the identity fingerprint
//   - status       Compare local keys against the server
//   - send         Encrypt and send a message
//   - listen       Connect and decrypt incoming messages
//   - sync         Run one key check over all peers
//   - forget       Clear the cached password
//
// # Implementation
//
// The root command builds a dependency graph (store, services, key
// server client) before any subcommand runs, so handlers share one app
// context. The account password comes from --password or, when absent,
// from the cache written by init --remember.
package commands
