// Package history implements the bounded conversation buffer that is
// submitted, in full, on every call to a stateless chat-completion API. It
// keeps an optional system turn pinned at the head and evicts the oldest
// user/assistant turns once the configured bound is exceeded.
package history
