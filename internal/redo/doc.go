// Package redo implements the small ordered key→value structure a shard
// writes to while it is being split, so that foreground traffic keeps
// flowing while the background splitter copies the shard's contents.
//
// # Overview
//
// During a split the shard itself must stay structurally frozen. Every
// put lands in the redo log as a Used entry and every delete as a Deleted
// tombstone; reads consult the log before the frozen shard. When the
// splitter finishes its bulk copy it drains the log, in key order, into
// the two child shards and destroys it.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│                Log                   │
//	├─────────────────────────────────────┤
//	│  in-memory skiplist                  │
//	│    - ordered, probabilistic levels   │
//	│    - one node per live key           │
//	│    - Used / Deleted flag per node    │
//	├─────────────────────────────────────┤
//	│  append-only record file             │
//	│    - every Put/DelPut appended       │
//	│    - replayed on Open                │
//	│    - fsync on Sync                   │
//	└─────────────────────────────────────┘
//
// The file is the durable form; the skiplist is an index over it rebuilt
// by replay. A crash mid-split therefore loses nothing that was synced:
// reopening the log replays the records in arrival order, and later
// records for the same key win, which reproduces the in-memory state.
//
// # Ordering
//
// Iterate walks keys in ascending order, tombstones included. The drain
// phase of a split relies on that order being stable under concurrent
// Sync calls; the Log serializes all operations behind one mutex.
//
// # Lifecycle
//
// Open creates or replays the record file. Close keeps the file (crash
// recovery path); Destroy removes it (normal split completion).
package redo
