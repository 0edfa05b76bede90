// Package protocol defines the line-delimited JSON messages exchanged with
// agent subprocesses and the envelopes used by remote clients.
package protocol
