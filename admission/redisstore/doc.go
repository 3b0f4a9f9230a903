// Package redisstore implements admission.Store on Redis so that every
// instance of a horizontally scaled service shares one admission decision.
//
// Layout (all keys carry the configured prefix, "admission:" by default)
//
//	active        HASH  identity -> JSON Session
//	queue         LIST  JSON QueueEntry, RPUSH tail / LPOP head
//	queued        HASH  identity -> JSON QueueEntry (membership index for the queue)
//	lease:<id>    STRING with PX TTL = session timeout
//
// Design Notes
//   - Every mutation is a single Lua script (EVALSHA via redis.Script), so the
//     capacity check and the insert can never interleave with another
//     instance. No WATCH/MULTI retry loops are needed.
//   - The lease key is the session's native TTL. When it lapses the hash entry
//     stays behind; the reaper sees LeaseExpired and evicts it through the
//     normal release path, which is also what promotes the next queued identity.
//   - Records are JSON; scripts edit them with cjson. Timestamps are RFC 3339
//     strings written by Go, compared by exact value in conditional releases.
//   - Promotion builds lease key names inside the script, so all keys must
//     live on one node (no Redis Cluster hash slot spreading).
//
// Example:
//
//	store, _ := redisstore.New(redisstore.Config{Addr: "localhost:6379"})
//	defer store.Close()
//	ctrl, _ := admission.New(store)
package redisstore
