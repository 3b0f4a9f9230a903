// Package admission implements a distributed session admission controller. It
// bounds how many identities may hold an active session against a shared,
// costly backend at once, queues excess demand in FIFO order, and evicts
// sessions that sit idle past their timeout.
//
// Layers & Roles
//
//	Controller -> registry, waiting queue and reaper operations exposed to callers
//	Store      -> shared state (active map + FIFO queue + per-session leases)
//
// # Store Interface
//
// All admission state lives behind Store so that every instance of a
// horizontally scaled service sees the same decision. Each Store method is a
// single atomic step against the backing store:
//   - Admit        : check capacity and insert, or append to the queue
//   - Touch        : refresh last activity and the session lease
//   - Release      : compare-and-remove an active record (or withdraw a queued one)
//   - PromoteNext  : pop the queue head into a free slot
//
// Implementations
//
//	memorystore : in-process reference used for tests / single instance deployments
//	redisstore  : Redis hash + list + Lua scripts for horizontal scale
//
// # Eviction
//
// A session carries two redundant expiry paths: the backing store's native
// TTL on its lease, and the reaper sweep driven by CleanupExpiredSessions.
// Native expiry never promotes anyone, so the sweep is also what guarantees
// that freed slots are eventually filled from the queue.
//
// The per-instance request limit lives in package gate; it composes with the
// controller but does not share state with other instances.
package admission
