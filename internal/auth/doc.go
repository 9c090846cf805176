// Package auth guards the HTTP API with a static list of bearer tokens and
// writes an audit record for every authenticated or rejected request.
package auth
