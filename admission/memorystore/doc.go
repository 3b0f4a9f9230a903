// Package memorystore provides an in-memory admission.Store suitable for
// tests, development, and single-process deployments. All state is ephemeral
// and discarded on process exit. Every operation runs under one mutex, which
// gives the same atomicity the Redis scripts provide across processes.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Queue ordering    : strict FIFO
//	Lease expiry      : evaluated lazily against the store clock
//	Concurrency       : safe (single Mutex)
//
// Example:
//
//	store := memorystore.New()
//	ctrl, _ := admission.New(store)
//
// For multi-instance deployments use redisstore.
package memorystore
