// Package shard implements skipdb's unit of storage: an ordered
// key→value map laid out as a skiplist over two memory-mapped files,
// with a concurrent split protocol that turns a full shard into two and
// hands the halves to the upper index.
//
// # Overview
//
// A shard owns a filesystem prefix. <prefix>.meta holds the skiplist
// nodes (graph edges encoded as byte offsets, 64-bit values inline);
// <prefix>.data holds the key bytes. Both files are mapped for the
// shard's whole lifetime and grown by unmap-truncate-remap. A shard that
// fills its meta file does not grow it: it splits, because the upper
// index scales by adding shards, not by growing one without bound.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                    Shard                       │
//	├───────────────────────────────────────────────┤
//	│  state machine:                                │
//	│    Normal ──► Splitting ──► SplitDone ──► ∅    │
//	│                  │                             │
//	│                  └── children start as Child   │
//	├───────────────────────────────────────────────┤
//	│  meta arena   - header, head node, nodes       │
//	│  data arena   - header, key records            │
//	│  free lists   - per-level node reuse (memory,  │
//	│                 rebuilt on load)                │
//	│  redo log     - absorbs writes during a split  │
//	│  rwlock       - reads shared, writes exclusive │
//	└───────────────────────────────────────────────┘
//
// # Split protocol
//
// A put that cannot fit one more node flips the shard to Splitting:
// a redo log and two empty children are created, and a single background
// goroutine streams the first half of the keys into the left child and
// the rest into the right. Foreground writes meanwhile land in the redo
// log and reads consult it first, so traffic never stops. The splitter
// then takes the shard's write lock once, drains the redo log into the
// children around the left child's tail key (the pivot), and flips the
// shard to SplitDone.
//
// The first operation to observe SplitDone performs adoption: it routes
// itself into the proper child, tells the Router about the two children,
// promotes them to Normal under fresh prefixes, and destroys the parent.
// The write lock makes observe-and-advance atomic, so adoption happens
// exactly once.
//
// # Crash recovery
//
// Open inspects which split artifacts survived. A redo log means the
// split never finalized: the children are rebuilt and the split re-runs
// to completion before Open returns. Children without a redo log mean
// the split finalized but adoption never happened: the next operation
// adopts. Anything else partial is corruption.
//
// # Concurrency
//
// One reader/writer lock per shard. Get takes it shared; Put, Delete,
// and the splitter's drain take it exclusive. Per-key effects are
// ordered by write-lock acquisition; no cross-key ordering is promised.
// There is no cancellation: Close joins the splitter before tearing
// anything down.
package shard
