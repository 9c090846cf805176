// Package conversation drives one chat exchange over a bounded history
// buffer: it submits the snapshot plus the pending user turn to a
// chat-completion client and records both turns only once a reply arrives.
package conversation
