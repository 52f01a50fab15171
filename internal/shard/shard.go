// Package shard implements the memory-mapped skiplist that is skipdb's
// unit of storage. See doc.go for complete package documentation.
package shard

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/skipdb/internal/mmap"
)

// MaxLevel is the number of skiplist levels a node can have. The head
// node reserves this many forward slots on disk, so it is a format
// constant: changing it changes the file layout.
const MaxLevel = 32

// Defaults applied by Options.withDefaults.
const (
	DefaultP         = 0.25
	DefaultMetaSize  = 1 << 20  // 1 MiB
	DefaultDataSize  = 16 << 20 // 16 MiB
	DefaultMaxKeyLen = 1 << 10  // 1 KiB
)

// ErrKeyNotFound is returned by Get when the key is not present. It is a
// normal result, never a structural failure.
//
// Usage pattern:
//
//	value, err := s.Get(key)
//	if errors.Is(err, shard.ErrKeyNotFound) {
//	    // Handle missing key case
//	} else if err != nil {
//	    // Handle storage failure
//	}
var ErrKeyNotFound = errors.New("key not found")

// ErrKeyTooLong is returned by Put when the key exceeds the shard's
// configured maximum key length.
var ErrKeyTooLong = errors.New("key exceeds maximum length")

// ErrCorrupt is returned by Open when the shard's on-disk files are
// inconsistent: one of the pair is missing, a header does not validate,
// or a scan finds an impossible node.
var ErrCorrupt = errors.New("corrupt shard files")

// ErrInvalidState is returned when a structural mutation is requested in
// a state that forbids it, such as running out of capacity in a state
// that can neither split nor grow.
var ErrInvalidState = errors.New("operation invalid in current shard state")

// ErrReleased is returned by operations on a shard that has already been
// adopted away: a concurrent caller completed the split hand-off and the
// shard's files are gone. Callers holding a stale reference should
// re-route through the Router.
var ErrReleased = errors.New("shard released after split adoption")

// State is the shard lifecycle state. It gates how every operation is
// routed; see the package documentation for the full machine.
//
// Transitions:
//   - Normal → Splitting: a put exhausted meta capacity
//   - Splitting → SplitDone: the background splitter finished its drain
//   - SplitDone → Released: a foreground operation performed adoption
//   - Child is the initial state of a shard being populated by its
//     splitting parent; it becomes Normal at adoption
//
// All transitions happen under the shard's write lock.
type State uint32

const (
	// StateNormal accepts reads and writes in place.
	StateNormal State = iota

	// StateSplitting means the background splitter is running. The
	// shard's own structure is frozen: writes land in the redo log and
	// reads consult it first.
	StateSplitting

	// StateSplitDone means the splitter finished and the two children
	// hold the shard's contents. Operations route to the children; the
	// first one through also hands the children to the Router.
	StateSplitDone

	// StateChild marks a shard being bulk-loaded by its splitting
	// parent. A child grows its meta file instead of recursing into a
	// split of its own.
	StateChild

	// StateReleased is terminal: the shard was adopted away (or closed)
	// and its resources are gone.
	StateReleased
)

// String returns the state name for logs and errors.
func (st State) String() string {
	switch st {
	case StateNormal:
		return "normal"
	case StateSplitting:
		return "splitting"
	case StateSplitDone:
		return "split-done"
	case StateChild:
		return "child"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Router is the upper index that owns shards by their max-key ranges.
// The shard calls it exactly once per completed split, from the adoption
// path, under the shard's write lock — implementations must not call
// back into the shard.
type Router interface {
	// OnSplit tells the router that the shard it knew by oldMaxKey has
	// been replaced by two children covering (…, leftMaxKey] and
	// (leftMaxKey, rightMaxKey].
	OnSplit(oldMaxKey []byte, left *Shard, leftMaxKey []byte, right *Shard, rightMaxKey []byte)

	// NextFilename allocates a globally unique fresh shard prefix,
	// used to rename promoted children out of their parent's namespace.
	NextFilename() string
}

// Options configures a shard at open time. The zero value selects all
// defaults. P is persisted into the meta header on create; on load the
// persisted value wins.
type Options struct {
	// P is the per-level probability for geometric level generation.
	P float64

	// MetaSize is the initial meta-file capacity in bytes.
	MetaSize int64

	// DataSize is the initial data-file capacity in bytes.
	DataSize int64

	// MaxKeyLen is the largest accepted key length in bytes.
	MaxKeyLen int
}

func (o Options) withDefaults() Options {
	if o.P == 0 {
		o.P = DefaultP
	}
	if o.MetaSize == 0 {
		o.MetaSize = DefaultMetaSize
	}
	if o.DataSize == 0 {
		o.DataSize = DefaultDataSize
	}
	if o.MaxKeyLen == 0 {
		o.MaxKeyLen = DefaultMaxKeyLen
	}
	return o
}

// Shard is one memory-mapped skiplist with its two backing files.
//
// Concurrency model:
//   - One reader/writer lock per shard: Get takes it shared, Put and
//     Delete exclusive, the splitter's drain phase exclusive.
//   - The background splitter reads the (frozen) structure without the
//     lock during its copy phase; state gating makes that safe.
//   - maxKey is only ever replaced under the write lock.
type Shard struct {
	mu    sync.RWMutex
	names *names

	meta *mmap.Map
	data *mmap.Map

	// metafree holds, per level, the offsets of deleted meta nodes of
	// exactly that level, reused LIFO by later inserts drawing the same
	// level. Rebuilt from the file on load.
	metafree [MaxLevel + 1][]uint64

	// datafree holds offsets of orphaned data records. Recorded on
	// delete and rebuilt on load, but never drawn from: records are
	// variable length, so reclaiming them is a compaction concern.
	datafree []uint64

	// maxKey is the shard's owned copy of the largest key observed
	// across itself, its redo log, and its children. Empty for an
	// empty shard.
	maxKey []byte

	state  State
	split  *splitRun
	router Router

	opts Options
	prob float64
	rnd  *rand.Rand
}

// Open creates the shard files under prefix when neither exists, loads
// them when both do, and errors with ErrCorrupt on mismatched presence.
// Leftover redo-log or child files from an interrupted split trigger
// recovery before Open returns.
func Open(prefix string, opts Options, router Router) (*Shard, error) {
	opts = opts.withDefaults()
	s := &Shard{
		names:  newNames(prefix),
		maxKey: []byte{},
		state:  StateNormal,
		router: router,
		opts:   opts,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	metaExists := fileExists(s.names.meta)
	dataExists := fileExists(s.names.data)
	var err error
	switch {
	case metaExists && dataExists:
		err = s.load()
	case !metaExists && !dataExists:
		err = s.create()
	default:
		return nil, pkgerrors.Wrapf(ErrCorrupt, "shard %s: only one of meta/data exists", prefix)
	}
	if err != nil {
		s.releaseMappings()
		return nil, err
	}

	if err := s.loadSplit(); err != nil {
		s.releaseMappings()
		return nil, err
	}
	return s, nil
}

// create initializes fresh meta and data files.
func (s *Shard) create() error {
	m, _, err := mmap.Open(s.names.meta, s.opts.MetaSize)
	if err != nil {
		return err
	}
	s.meta = m
	b := m.Bytes()
	putU32(b[mhMagic:], metaMagic)
	putU32(b[mhVersion:], formatVersion)
	s.setMetaCap(uint64(m.Cap()))
	s.setMetaUsed(headOffset + headNodeSize)
	s.setMetaTail(headOffset)
	s.setMetaCount(0)
	putU64(b[mhP:], math.Float64bits(s.opts.P))
	s.prob = s.opts.P

	// Head node. The file starts zero-filled, so only the flag needs
	// writing; level 0 means the list is empty.
	s.setNodeFlags(headOffset, flagHead)

	d, _, err := mmap.Open(s.names.data, s.opts.DataSize)
	if err != nil {
		return err
	}
	s.data = d
	db := d.Bytes()
	putU32(db[dhMagic:], dataMagic)
	putU32(db[dhVersion:], formatVersion)
	s.setDataCap(uint64(d.Cap()))
	s.setDataUsed(dataHeaderSize)
	return nil
}

// load maps both files, validates their headers, reconstructs the free
// lists, and refreshes maxKey.
func (s *Shard) load() error {
	m, created, err := mmap.Open(s.names.meta, s.opts.MetaSize)
	if err != nil {
		return err
	}
	s.meta = m
	b := m.Bytes()
	if created || getU32(b[mhMagic:]) != metaMagic || getU32(b[mhVersion:]) != formatVersion {
		return pkgerrors.Wrapf(ErrCorrupt, "shard %s: bad meta header", s.names.prefix)
	}
	s.setMetaCap(uint64(m.Cap()))
	s.prob = math.Float64frombits(getU64(b[mhP:]))
	if err := s.rebuildMetaFree(); err != nil {
		return err
	}

	d, created, err := mmap.Open(s.names.data, s.opts.DataSize)
	if err != nil {
		return err
	}
	s.data = d
	db := d.Bytes()
	if created || getU32(db[dhMagic:]) != dataMagic || getU32(db[dhVersion:]) != formatVersion {
		return pkgerrors.Wrapf(ErrCorrupt, "shard %s: bad data header", s.names.prefix)
	}
	s.setDataCap(uint64(d.Cap()))
	if err := s.rebuildDataFree(); err != nil {
		return err
	}

	s.refreshMaxKeyLocked()
	return nil
}

// rebuildMetaFree walks the node region and pushes every Deleted node
// onto the free stack of its level.
func (s *Shard) rebuildMetaFree() error {
	used := s.metaUsed()
	for off := headOffset + headNodeSize; off < used; {
		level := s.nodeLevel(off)
		if level < 1 || level > MaxLevel {
			return pkgerrors.Wrapf(ErrCorrupt, "shard %s: node at %d has level %d", s.names.prefix, off, level)
		}
		if s.nodeFlags(off)&flagDeleted != 0 {
			s.metafree[level] = append(s.metafree[level], off)
		}
		off += nodeSize(level)
	}
	return nil
}

// rebuildDataFree collects the data offsets of every reachable node,
// sorts them, and records every record the sorted set does not account
// for as orphaned.
func (s *Shard) rebuildDataFree() error {
	reachable := make([]uint64, 0, s.metaCount())
	for off := s.nodeForward(headOffset, 0); off != 0; off = s.nodeForward(off, 0) {
		reachable = append(reachable, s.nodeDataOff(off))
	}
	slices.Sort(reachable)

	used := s.dataUsed()
	for off := uint64(dataHeaderSize); off < used; {
		keyLen := s.recordKeyLen(off)
		if off+recordSize(keyLen) > used {
			return pkgerrors.Wrapf(ErrCorrupt, "shard %s: record at %d overruns data region", s.names.prefix, off)
		}
		if _, ok := slices.BinarySearch(reachable, off); !ok {
			s.datafree = append(s.datafree, off)
		}
		off += recordSize(keyLen)
	}
	return nil
}

// randomLevel draws a geometric-distributed level in [1, MaxLevel] with
// the shard's persisted probability. Callers hold the write lock, which
// also serializes the unsynchronized rand source.
func (s *Shard) randomLevel() int {
	level := 1
	for s.rnd.Float64() < s.prob && level < MaxLevel {
		level++
	}
	return level
}

// tailKeyLocked returns the key of the tail node, aliasing the data
// mapping, or nil when the shard is empty. Lock must be held.
func (s *Shard) tailKeyLocked() []byte {
	tail := s.metaTail()
	if tail == headOffset {
		return nil
	}
	return s.nodeKey(tail)
}

// refreshMaxKeyLocked recomputes maxKey from the shard's tail, the redo
// log, and the children. While a split is running the children are being
// written by the splitter without the parent lock held, so the
// computation stops at the redo log: the children's contents are copies
// of keys the parent and the log already cover.
func (s *Shard) refreshMaxKeyLocked() {
	max := []byte{}
	if tk := s.tailKeyLocked(); tk != nil {
		max = append([]byte(nil), tk...)
	}
	if s.split != nil && s.split.log != nil {
		if rk := s.split.log.MaxKey(); bytes.Compare(max, rk) < 0 {
			max = append([]byte(nil), rk...)
		}
		s.maxKey = max
		return
	}
	if s.split != nil && s.split.left != nil {
		if tk := s.split.left.tailKeyLocked(); bytes.Compare(max, tk) < 0 {
			max = append([]byte(nil), tk...)
		}
	}
	if s.split != nil && s.split.right != nil {
		if tk := s.split.right.tailKeyLocked(); bytes.Compare(max, tk) < 0 {
			max = append([]byte(nil), tk...)
		}
	}
	s.maxKey = max
}

// MaxKey returns the shard's owned copy of the largest key it has
// observed; empty for an empty shard. The returned slice is replaced,
// never mutated in place, so callers may retain it as a snapshot.
func (s *Shard) MaxKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxKey
}

// Count returns the number of live keys in this shard's own structure.
// Keys that have moved to children during a split are counted by the
// children.
func (s *Shard) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateReleased || s.meta == nil {
		return 0
	}
	return s.metaCount()
}

// State returns the shard's current lifecycle state.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Prefix returns the shard's current filename prefix.
func (s *Shard) Prefix() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names.prefix
}

// growMeta grows the meta file by the arena policy and records the new
// capacity in the header.
func (s *Shard) growMeta() error {
	if err := s.meta.Grow(mmap.GrowCap(s.meta.Cap())); err != nil {
		return err
	}
	s.setMetaCap(uint64(s.meta.Cap()))
	return nil
}

// growData grows the data file by the arena policy.
func (s *Shard) growData() error {
	if err := s.data.Grow(mmap.GrowCap(s.data.Cap())); err != nil {
		return err
	}
	s.setDataCap(uint64(s.data.Cap()))
	return nil
}

// Sync flushes the meta and data files durably, then the redo log and
// both children when a split is in flight.
func (s *Shard) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncLocked()
}

func (s *Shard) syncLocked() error {
	if s.state == StateReleased {
		return nil
	}
	if s.meta != nil {
		if err := s.meta.Sync(); err != nil {
			return err
		}
	}
	if s.data != nil {
		if err := s.data.Sync(); err != nil {
			return err
		}
	}
	if s.split != nil {
		if s.split.log != nil {
			if err := s.split.log.Sync(); err != nil {
				return err
			}
		}
		if s.split.left != nil {
			if err := s.split.left.Sync(); err != nil {
				return err
			}
		}
		if s.split.right != nil {
			if err := s.split.right.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close waits for a running splitter, flushes, and unmaps. A shard whose
// count dropped to zero removes its files on close; otherwise they stay
// for the next Open. Children are closed recursively and a leftover
// redo log is destroyed (its contents are only meaningful to a split
// that is no longer running).
func (s *Shard) Close() error {
	return s.shutdown(false)
}

// Destroy closes the shard and always removes its files.
func (s *Shard) Destroy() error {
	return s.shutdown(true)
}

func (s *Shard) shutdown(removeFiles bool) error {
	s.mu.Lock()
	sp := s.split
	running := sp != nil && s.state == StateSplitting
	s.mu.Unlock()
	if running {
		// Join the splitter outside the lock; its drain phase needs it.
		sp.group.Wait()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(removeFiles)
}

// closeLocked is shutdown's body, shared with the adoption path (which
// already holds the write lock and destroys the parent in place).
func (s *Shard) closeLocked(removeFiles bool) error {
	if s.state == StateReleased {
		return nil
	}
	if s.meta != nil && s.metaCount() == 0 {
		removeFiles = true
	}

	s.refreshMaxKeyLocked()
	// Flush before unmapping; close errors past this point must not
	// mask data having reached the files.
	if err := s.syncLocked(); err != nil {
		return err
	}

	var firstErr error
	keep := func(err error) {
		if firstErr == nil && err != nil {
			firstErr = err
		}
	}

	if s.meta != nil {
		keep(s.meta.Close())
		if removeFiles {
			keep(s.meta.Remove())
		}
	}
	if s.data != nil {
		keep(s.data.Close())
		if removeFiles {
			keep(s.data.Remove())
		}
	}
	if s.split != nil {
		if s.split.left != nil {
			keep(s.split.left.shutdown(removeFiles))
		}
		if s.split.right != nil {
			keep(s.split.right.shutdown(removeFiles))
		}
		if s.split.log != nil {
			keep(s.split.log.Destroy())
		}
		s.split = nil
	}
	s.state = StateReleased
	return firstErr
}

// releaseMappings tears down whatever a failed Open managed to map,
// without touching the files.
func (s *Shard) releaseMappings() {
	if s.meta != nil {
		s.meta.Close()
		s.meta = nil
	}
	if s.data != nil {
		s.data.Close()
		s.data = nil
	}
	s.state = StateReleased
}

// renameLocked moves the shard's files to a fresh prefix. Caller holds
// the write lock. The open descriptors and the mappings are unaffected
// by the rename; only the names change.
func (s *Shard) renameLocked(prefix string) error {
	ns := newNames(prefix)
	if err := s.meta.Rename(ns.meta); err != nil {
		return err
	}
	if err := s.data.Rename(ns.data); err != nil {
		return err
	}
	s.names = ns
	return nil
}
