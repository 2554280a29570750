// Package transport moves envelopes between the client and the server.
// The websocket transport talks to the key server's relay endpoint; the
// in-memory bus wires clients directly together for tests.
package transport
