// Package skipdb ties a set of shards into one ordered keyspace and
// implements the Router the shards report their splits to.
//
// # Overview
//
// The DB owns an ordered table of shards keyed by max-key range: a key
// belongs to the first shard whose max key is at or above it, and keys
// beyond every range belong to the last shard, whose range grows with
// them. When a shard fills up it splits itself in two and calls back
// into the DB, which swaps the parent's table entry for the two halves.
// The keyspace therefore scales by adding shards, never by growing one
// without bound.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                     DB                         │
//	├───────────────────────────────────────────────┤
//	│  shard table   - ordered by max key            │
//	│                - snapshot max per entry,       │
//	│                  raised on every routed put    │
//	│  Router        - OnSplit swaps parent for the  │
//	│                  two children                  │
//	│                - NextFilename allocates        │
//	│                  sl-%08d prefixes              │
//	└───────────────────────────────────────────────┘
//
// # Locking
//
// The DB's lock only ever protects the table; no shard lock is taken
// while it is held. Shard operations run outside it, which is what lets
// a shard call OnSplit (under its own write lock) without deadlocking
// against concurrent routing. An operation that loses an adoption race
// sees the shard report itself released and re-routes through the
// already-updated table.
package skipdb
