// Package stream splits agent output into logical streams, reassembles JSON
// messages that arrive in fragments, and pairs responses with waiting requests.
package stream
