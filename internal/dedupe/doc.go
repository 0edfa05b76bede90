// Package dedupe remembers recently seen message IDs so at-most-once
// deliveries that arrive twice are dropped by the receiver.
package dedupe
