// Package client is the top of the session lifecycle stack: it owns
// the unlocked account, dispatches inbound envelopes to the session
// layer, queues envelopes that arrive before the account is unlocked,
// and encrypts outbound messages.
package client
