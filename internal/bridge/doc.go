// Package bridge serves the terminal UI over a websocket.
//
// Clients authenticate with an HS256 JWT, either as a bearer token or as the
// "token" query parameter. Each text frame is one protocol.Envelope. Commands
// from the UI are answered with an ack or error envelope carrying the
// command's id, except stats which is answered with a stats envelope. Bus
// events are pushed to every client as spawn, kill, message and notification
// envelopes, and a stats snapshot is pushed periodically.
package bridge
