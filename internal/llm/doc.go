// Package llm defines the provider-neutral contract for stateless
// chat-completion APIs. Every call carries the full conversation snapshot;
// providers live in the openai (direct HTTP), sdk (official OpenAI Go SDK)
// and stub (offline echo) subpackages.
package llm
