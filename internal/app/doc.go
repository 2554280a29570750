// Package app wires application dependencies for the CLI and daemon.
//
// It builds the local store, key server client, services, and client
// from Config, exposing them via the Wire struct for commands to use.
package app
