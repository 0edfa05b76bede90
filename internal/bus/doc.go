// Package bus is the in-process event hub components use to talk to each other.
// Nodes emit on named topics and subscribe with exact topics, family patterns
// such as "peer:*", or the "*" wildcard.
package bus
