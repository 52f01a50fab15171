// Package mmap provides the file-backed arena underneath skipdb's shard
// files, presenting each on-disk file as a single contiguous writable
// byte region that can be grown in place.
//
// # Overview
//
// A shard stores its index nodes and its key bytes in two flat files that
// are memory mapped for their whole lifetime. This package owns the three
// syscalls that make that work (mmap, munmap, msync) and the grow
// protocol that keeps the mapping and the file size in step.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│               Map                    │
//	├─────────────────────────────────────┤
//	│  file   - *os.File kept open for    │
//	│           Truncate during Grow      │
//	│  data   - []byte over the mapping   │
//	│  path   - for error context and     │
//	│           Remove                     │
//	└─────────────────────────────────────┘
//
// # Grow protocol
//
// Growing is unmap → truncate → remap. The new mapping address may
// differ from the old one, so callers must never cache pointers into the
// region across a Grow; re-derive everything from Bytes() and an offset.
// If any step fails the previous mapping is restored and the error is
// returned with the file path attached.
//
// # Growth policy
//
// GrowCap doubles the capacity while it is below 1 GiB and adds 1 GiB per
// step after that, so small shards grow cheaply and large shards avoid
// runaway doubling.
//
// # Thread safety
//
// Map is not synchronized. The owning shard serializes all access behind
// its own reader/writer lock.
package mmap
