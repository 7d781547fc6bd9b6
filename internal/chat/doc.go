// Package chat defines the domain model for conversations and messages,
// and the client-side message cache that keeps recently viewed
// conversations renderable without refetching.
//
// The cache is deliberately bounded in two dimensions: a fixed number of
// conversations (whole-conversation LRU eviction) and a fixed number of
// messages per conversation (newest retained). The per-conversation
// deduplication index shares the cache's lifetime so that memory stays
// bounded by a single eviction policy.
//
// Message identity is two-phase: a message minted locally carries only a
// client-generated ID until the backend confirms the insert and assigns a
// server ID. All merge logic joins on one of those two keys, never on
// "whichever happens to be present".
package chat
