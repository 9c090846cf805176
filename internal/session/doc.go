// Package session maps caller-chosen session identifiers to bounded history
// buffers. The Manager is an explicit value owned by whoever wires the
// process; it serializes access per session, expires idle sessions and can
// mirror transcripts to a Persister such as Redis or MySQL.
package session
