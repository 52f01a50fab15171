package shard

import (
	"bytes"
	"math"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/skipdb/internal/redo"
)

// splitRun carries everything a split in flight owns: the redo log
// absorbing foreground writes, the two children being populated, the
// splitter goroutine, and its failure, if any.
//
// Ownership: the parent owns the children from creation until adoption
// hands them to the Router; the fields are nil'd at that moment so the
// hand-off is explicit and never shared.
type splitRun struct {
	log   *redo.Log
	left  *Shard
	right *Shard

	// group runs the single splitter goroutine; Wait is the join used
	// by Close and by recovery.
	group errgroup.Group

	// err is the splitter's stored failure, surfaced synchronously to
	// the next foreground caller. Guarded by the parent's lock.
	err error
}

// splitAndPutLocked starts a split and routes the triggering put into
// the fresh redo log. Called with the write lock held by a Normal shard
// whose meta file cannot fit another node.
func (s *Shard) splitAndPutLocked(key []byte, value uint64) error {
	if err := s.startSplitLocked(); err != nil {
		return err
	}
	if err := s.split.log.Put(key, value); err != nil {
		return err
	}
	s.bumpMaxKeyLocked(key)
	return nil
}

// startSplitLocked creates the redo log and both children, flips the
// shard to Splitting, and launches the splitter. On any creation failure
// everything already created is torn down and the shard stays Normal.
func (s *Shard) startSplitLocked() error {
	log, err := redo.Open(s.names.redo, s.prob)
	if err != nil {
		return err
	}
	left, err := s.createChild(s.names.left)
	if err != nil {
		log.Destroy()
		return err
	}
	right, err := s.createChild(s.names.right)
	if err != nil {
		left.Destroy()
		log.Destroy()
		return err
	}

	sp := &splitRun{log: log, left: left, right: right}
	s.split = sp
	s.state = StateSplitting
	sp.group.Go(func() error { return s.runSplit() })
	return nil
}

// createChild creates a fresh child shard under prefix, clearing any
// leftover files first (an interrupted split's partial children are
// superseded by the re-run). The child starts in StateChild so capacity
// pressure grows its meta file instead of recursing into another split.
func (s *Shard) createChild(prefix string) (*Shard, error) {
	ns := newNames(prefix)
	for _, path := range []string{ns.meta, ns.data} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "shard %s: clear stale child file", prefix)
		}
	}

	c, err := Open(prefix, s.opts, s.router)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	// The parent's persisted probability wins, even a zero one; the
	// option default must not resurrect randomness the parent was
	// configured without.
	c.prob = s.prob
	putU64(c.meta.Bytes()[mhP:], math.Float64bits(s.prob))
	c.state = StateChild
	c.mu.Unlock()
	return c, nil
}

// runSplit is the splitter: copy the shard's contents into the children,
// then drain the redo log, then finalize. It runs exactly once per
// split, on its own goroutine (or synchronously during recovery).
func (s *Shard) runSplit() error {
	sp := s.split

	// Copy phase, no locks held: the shard's structure is frozen while
	// state is Splitting (foreground writes go to the redo log), so the
	// level-0 walk is stable. The first half of the nodes streams into
	// the left child, the rest into the right.
	total := s.metaCount()
	leftCount := (total + 1) / 2
	var copied uint64
	for off := s.nodeForward(headOffset, 0); off != 0; off = s.nodeForward(off, 0) {
		dst := sp.left
		if copied >= leftCount {
			dst = sp.right
		}
		if err := dst.Put(s.nodeKey(off), s.nodeValue(off)); err != nil {
			s.failSplit(err)
			return err
		}
		copied++
	}

	// Drain phase, under the parent's write lock: foreground traffic to
	// the redo log is blocked for exactly one pass over it.
	s.mu.Lock()
	defer s.mu.Unlock()

	// The left child's tail is the pivot. Copied out because the slice
	// aliases the left child's mapping, which the drain itself may grow.
	sp.left.mu.RLock()
	pivot := sp.left.tailKeyLocked()
	if pivot != nil {
		pivot = append([]byte(nil), pivot...)
	}
	sp.left.mu.RUnlock()

	var derr error
	sp.log.Iterate(func(k []byte, flag uint8, v uint64) bool {
		// An empty left child (pivot nil) sends everything right.
		dst := sp.right
		if pivot != nil && bytes.Compare(k, pivot) <= 0 {
			dst = sp.left
		}
		if flag == redo.FlagUsed {
			derr = dst.Put(k, v)
		} else {
			derr = dst.Delete(k)
		}
		return derr == nil
	})
	if derr != nil {
		sp.err = derr
		return derr
	}

	// Finalize: children's max keys become authoritative, the shard
	// flips to SplitDone, and the drained log is dead.
	sp.left.refreshMaxKey()
	sp.right.refreshMaxKey()
	s.state = StateSplitDone
	if err := sp.log.Destroy(); err != nil {
		sp.err = err
		return err
	}
	sp.log = nil
	return nil
}

// waitSplit joins the splitter if one is running. Used by tests to make
// the split's completion a synchronization point.
func (s *Shard) waitSplit() {
	s.mu.Lock()
	sp := s.split
	s.mu.Unlock()
	if sp != nil {
		sp.group.Wait()
	}
}

// failSplit stores a copy-phase failure for the next foreground caller.
func (s *Shard) failSplit(err error) {
	s.mu.Lock()
	s.split.err = err
	s.mu.Unlock()
}

// refreshMaxKey recomputes maxKey under the shard's own write lock.
func (s *Shard) refreshMaxKey() {
	s.mu.Lock()
	s.refreshMaxKeyLocked()
	s.mu.Unlock()
}

// adoptLocked hands a finished split to the Router: the Router learns of
// the two children, the children are promoted to Normal under fresh
// prefixes, and the parent destroys itself. Called with the parent's
// write lock held by whichever foreground operation observed SplitDone
// first; the lock makes that observation-and-advance atomic, so exactly
// one caller adopts and later callers find the shard Released.
func (s *Shard) adoptLocked() error {
	left, right := s.split.left, s.split.right
	s.router.OnSplit(s.maxKey, left, left.MaxKey(), right, right.MaxKey())

	for _, c := range []*Shard{left, right} {
		c.mu.Lock()
		c.state = StateNormal
		err := c.renameLocked(s.router.NextFilename())
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}

	// Explicit hand-off: the Router owns the children from here on.
	s.split.left, s.split.right = nil, nil
	return s.closeLocked(true)
}

// loadSplit is Open's recovery step, driven by which split artifacts
// survived on disk:
//
//   - redo log present: the split was interrupted before finalize. The
//     children are rebuilt from scratch and the whole split re-runs to
//     completion before Open returns (the copy is deterministic and the
//     replayed log re-drains on top).
//   - both children present, no redo log: the split finished but the
//     Router never adopted. The children are reopened and the next
//     operation adopts.
//   - partial child files: corrupt.
//   - nothing: no split in progress.
func (s *Shard) loadSplit() error {
	leftNames := newNames(s.names.left)
	rightNames := newNames(s.names.right)
	childFiles := []string{leftNames.meta, leftNames.data, rightNames.meta, rightNames.data}

	present := 0
	for _, path := range childFiles {
		if fileExists(path) {
			present++
		}
	}

	if fileExists(s.names.redo) {
		log, err := redo.Open(s.names.redo, s.prob)
		if err != nil {
			return err
		}
		left, err := s.createChild(s.names.left)
		if err != nil {
			log.Close()
			return err
		}
		right, err := s.createChild(s.names.right)
		if err != nil {
			left.Destroy()
			log.Close()
			return err
		}

		sp := &splitRun{log: log, left: left, right: right}
		s.split = sp
		s.state = StateSplitting
		sp.group.Go(func() error { return s.runSplit() })
		if err := sp.group.Wait(); err != nil {
			sp.left.Close()
			sp.right.Close()
			if sp.log != nil {
				sp.log.Close()
			}
			return err
		}
		s.refreshMaxKeyLocked()
		return nil
	}

	switch present {
	case 4:
		left, err := Open(s.names.left, s.opts, s.router)
		if err != nil {
			return err
		}
		right, err := Open(s.names.right, s.opts, s.router)
		if err != nil {
			left.Close()
			return err
		}
		s.split = &splitRun{left: left, right: right}
		s.state = StateSplitDone
		s.refreshMaxKeyLocked()
		return nil
	case 0:
		return nil
	default:
		return errors.Wrapf(ErrCorrupt, "shard %s: partial child files without redo log", s.names.prefix)
	}
}
