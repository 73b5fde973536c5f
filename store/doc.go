// Package store holds the optional persistence layer: narrow MessageStore and
// RunStore interfaces with an in-memory implementation for development and a
// GORM-backed one for durable deployments. Dispatchers and executors work
// without a store; wiring one in simply records what flowed through.
package store
