// Package skipdb implements the ordered-keyspace facade over many
// shards. See doc.go for complete package documentation.
package skipdb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dreamware/skipdb/internal/shard"
)

// shardPrefixFormat names top-level shards inside the DB directory.
// Children of a splitting shard live under the parent's prefix with the
// shard package's own .l/.r suffixes until adoption renames them into
// this namespace.
const shardPrefixFormat = "sl-%08d"

// releaseRetries bounds how often an operation re-routes after losing an
// adoption race. One retry suffices in practice; the bound exists so a
// routing bug fails loudly instead of spinning.
const releaseRetries = 8

// entry is one row of the shard table: a shard plus the DB's snapshot of
// its max key. The snapshot is raised on every put the DB routes there,
// so it tracks the shard's own bookkeeping exactly and routing never has
// to take a shard lock.
type entry struct {
	s   *shard.Shard
	max []byte
}

// DB is the ordered key→value store: a directory of shards behind one
// Put/Get/Delete surface. It implements shard.Router.
//
// Thread safety: all methods are safe for concurrent use. The internal
// lock covers only the shard table; shard operations run outside it.
type DB struct {
	mu      sync.RWMutex
	entries []entry

	dir  string
	opts shard.Options
	seq  atomic.Uint64
}

// ShardInfo is a point-in-time snapshot of one shard for monitoring.
type ShardInfo struct {
	// Prefix is the shard's current filename prefix.
	Prefix string `json:"prefix"`

	// Keys is the shard's live key count.
	Keys uint64 `json:"keys"`

	// MaxKey is the upper bound of the shard's key range.
	MaxKey string `json:"max_key"`
}

// Open loads every shard found in dir, creating the directory and a
// first empty shard when there is nothing yet. Shards still carrying
// split leftovers finish their recovery inside shard.Open before Open
// returns.
func Open(dir string, opts shard.Options) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "skipdb: create %s", dir)
	}
	db := &DB{dir: dir, opts: opts}

	prefixes, err := db.scanPrefixes()
	if err != nil {
		return nil, err
	}
	for _, prefix := range prefixes {
		s, err := shard.Open(prefix, opts, db)
		if err != nil {
			db.closeAll()
			return nil, err
		}
		db.entries = append(db.entries, entry{s: s, max: s.MaxKey()})
	}
	sortEntries(db.entries)

	if len(db.entries) == 0 {
		s, err := shard.Open(db.NextFilename(), opts, db)
		if err != nil {
			return nil, err
		}
		db.entries = []entry{{s: s, max: s.MaxKey()}}
	}
	return db, nil
}

// scanPrefixes finds top-level shard prefixes in the DB directory and
// seeds the filename counter past every number already in use. Child
// prefixes (.l/.r) are skipped: they belong to their parent's recovery.
func (db *DB) scanPrefixes() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(db.dir, "*.meta"))
	if err != nil {
		return nil, errors.Wrapf(err, "skipdb: scan %s", db.dir)
	}
	var prefixes []string
	for _, m := range matches {
		prefix := strings.TrimSuffix(m, ".meta")
		base := filepath.Base(prefix)
		if strings.HasSuffix(base, ".l") || strings.HasSuffix(base, ".r") {
			continue
		}
		if n, ok := parseSeq(base); ok && n > db.seq.Load() {
			db.seq.Store(n)
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

// parseSeq extracts the counter from an sl-%08d shard name.
func parseSeq(base string) (uint64, bool) {
	rest, ok := strings.CutPrefix(base, "sl-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func sortEntries(entries []entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && bytes.Compare(entries[j].max, entries[j-1].max) < 0; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// pick routes a key: the first shard whose snapshot max is at or above
// the key owns it, and the last shard owns everything beyond.
func (db *DB) pick(key []byte) *shard.Shard {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if len(db.entries) == 0 {
		return nil
	}
	for _, e := range db.entries {
		if bytes.Compare(key, e.max) <= 0 {
			return e.s
		}
	}
	return db.entries[len(db.entries)-1].s
}

// noteKey raises the snapshot max of the entry holding s after a put.
func (db *DB) noteKey(s *shard.Shard, key []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := range db.entries {
		if db.entries[i].s == s {
			if bytes.Compare(key, db.entries[i].max) > 0 {
				db.entries[i].max = append([]byte(nil), key...)
			}
			return
		}
	}
}

// Put stores key→value in the owning shard. A put that lands on a shard
// mid-adoption re-routes through the updated table.
func (db *DB) Put(key []byte, value uint64) error {
	for i := 0; i < releaseRetries; i++ {
		s := db.pick(key)
		if s == nil {
			return errors.New("skipdb: closed")
		}
		err := s.Put(key, value)
		if errors.Is(err, shard.ErrReleased) {
			continue
		}
		if err == nil {
			db.noteKey(s, key)
		}
		return err
	}
	return errors.Errorf("skipdb: put %q kept landing on released shards", key)
}

// Get returns the value stored under key, or shard.ErrKeyNotFound.
func (db *DB) Get(key []byte) (uint64, error) {
	for i := 0; i < releaseRetries; i++ {
		s := db.pick(key)
		if s == nil {
			return 0, errors.New("skipdb: closed")
		}
		value, err := s.Get(key)
		if errors.Is(err, shard.ErrReleased) {
			continue
		}
		return value, err
	}
	return 0, errors.Errorf("skipdb: get %q kept landing on released shards", key)
}

// Delete removes key from the owning shard; deleting an absent key
// succeeds.
func (db *DB) Delete(key []byte) error {
	for i := 0; i < releaseRetries; i++ {
		s := db.pick(key)
		if s == nil {
			return errors.New("skipdb: closed")
		}
		err := s.Delete(key)
		if errors.Is(err, shard.ErrReleased) {
			continue
		}
		return err
	}
	return errors.Errorf("skipdb: delete %q kept landing on released shards", key)
}

// OnSplit implements shard.Router: the parent's table entry is replaced
// by its two children. Called by the adopting operation under the
// parent's write lock, so no shard method may be called from here.
func (db *DB) OnSplit(oldMax []byte, left *shard.Shard, leftMax []byte, right *shard.Shard, rightMax []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()

	idx := len(db.entries) - 1
	for i, e := range db.entries {
		if bytes.Equal(e.max, oldMax) {
			idx = i
			break
		}
		// Fallback for a snapshot that drifted: the parent is the first
		// entry whose range reaches oldMax.
		if bytes.Compare(e.max, oldMax) >= 0 {
			idx = i
			break
		}
	}

	replaced := []entry{
		{s: left, max: append([]byte(nil), leftMax...)},
		{s: right, max: append([]byte(nil), rightMax...)},
	}
	db.entries = append(db.entries[:idx], append(replaced, db.entries[idx+1:]...)...)
}

// NextFilename implements shard.Router, allocating a fresh unique shard
// prefix inside the DB directory.
func (db *DB) NextFilename() string {
	return filepath.Join(db.dir, fmt.Sprintf(shardPrefixFormat, db.seq.Add(1)))
}

// Stats returns a snapshot of every shard, ordered by key range.
func (db *DB) Stats() []ShardInfo {
	db.mu.RLock()
	shards := make([]*shard.Shard, len(db.entries))
	for i, e := range db.entries {
		shards[i] = e.s
	}
	db.mu.RUnlock()

	infos := make([]ShardInfo, len(shards))
	for i, s := range shards {
		infos[i] = ShardInfo{
			Prefix: s.Prefix(),
			Keys:   s.Count(),
			MaxKey: string(s.MaxKey()),
		}
	}
	return infos
}

// Sync flushes every shard durably.
func (db *DB) Sync() error {
	db.mu.RLock()
	shards := make([]*shard.Shard, len(db.entries))
	for i, e := range db.entries {
		shards[i] = e.s
	}
	db.mu.RUnlock()

	for _, s := range shards {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every shard, waiting out any splits still running.
func (db *DB) Close() error {
	db.mu.Lock()
	entries := db.entries
	db.entries = nil
	db.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (db *DB) closeAll() {
	for _, e := range db.entries {
		e.s.Close()
	}
	db.entries = nil
}
