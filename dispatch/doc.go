// Package dispatch routes messages between agents. Three dispatchers share
// one registration surface: LocalDispatcher (in-memory pub/sub),
// DistributedDispatcher (Redis Streams with consumer groups, pending-entry
// recovery and a dead-letter stream), and HybridDispatcher, a façade that
// selects or falls back between the two.
//
// Delivery through the distributed dispatcher is at-least-once; handlers must
// be idempotent.
package dispatch
