// Package redis persists chat session transcripts as JSON values keyed by
// session id, with an optional expiry that mirrors the in-memory idle TTL.
package redis
