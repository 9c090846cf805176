// Package api exposes chat sessions and asynchronous chat jobs over a small
// JSON HTTP interface, together with health and metrics endpoints. The
// /api/v1 routes can be guarded by bearer tokens.
package api
