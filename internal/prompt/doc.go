// Package prompt builds system prompts and few-shot blocks as plain strings
// and turns, without any template engine or message-object hierarchy.
package prompt
