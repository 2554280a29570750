// Command sipherd runs the in-memory key server and envelope relay.
//
// It is a development and testing server: key material and connections
// live in memory and are lost on restart. Clients publish keys over
// HTTP and exchange envelopes over the /ws/{user} websocket endpoint.
package main
