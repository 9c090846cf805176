// Package mysql persists chat session transcripts and chat jobs in MySQL. It
// owns the connection pool defaults and applies the embedded schema
// migrations from deploy/migrations before first use.
package mysql
