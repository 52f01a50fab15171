package shard

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/dreamware/skipdb/internal/redo"
)

// Put stores key→value, creating or overwriting the entry.
//
// Routing by state:
//   - Normal/Child: insert in place (splitting or growing on capacity
//     pressure, see below)
//   - Splitting: append to the redo log
//   - SplitDone: route into the proper child, then perform adoption
//
// A put that would not fit the meta file of a Normal shard is the event
// that starts a split; the put itself becomes the redo log's first
// entry.
//
// Thread safety: safe for concurrent use; holds the write lock.
func (s *Shard) Put(key []byte, value uint64) error {
	if len(key) == 0 {
		return errors.New("shard: empty key")
	}
	if len(key) > s.opts.MaxKeyLen {
		return errors.Wrapf(ErrKeyTooLong, "key length %d > %d", len(key), s.opts.MaxKeyLen)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, value)
}

func (s *Shard) putLocked(key []byte, value uint64) error {
	switch s.state {
	case StateReleased:
		return ErrReleased

	case StateSplitting:
		if err := s.split.err; err != nil {
			return errors.WithMessage(err, "background split failed")
		}
		if err := s.split.log.Put(key, value); err != nil {
			return err
		}
		s.bumpMaxKeyLocked(key)
		return nil

	case StateSplitDone:
		child := s.routeChildLocked(key)
		if err := child.Put(key, value); err != nil {
			return err
		}
		return s.adoptLocked()
	}

	// StateNormal or StateChild: insert in place.
	return s.insertLocked(key, value)
}

// insertLocked is the in-place skiplist insert shared by Normal and
// Child shards.
func (s *Shard) insertLocked(key []byte, value uint64) error {
	newLevel := s.randomLevel()

	// Capacity gate. A Normal shard at its limit splits rather than
	// grows; a Child is being bulk-loaded by its parent's splitter and
	// grows instead, because a recursive split here could never finish.
	if s.metaCap()-s.metaUsed() < nodeSize(newLevel) {
		switch s.state {
		case StateNormal:
			return s.splitAndPutLocked(key, value)
		case StateChild:
			for s.metaCap()-s.metaUsed() < nodeSize(newLevel) {
				if err := s.growMeta(); err != nil {
					return err
				}
			}
		default:
			return errors.Wrapf(ErrInvalidState, "meta capacity exhausted in state %s", s.state)
		}
	}

	// Search, recording the predecessor at every level. An equal key is
	// overwritten in place and nothing else moves.
	var update [MaxLevel]uint64
	curr := headOffset
	for lvl := s.nodeLevel(headOffset) - 1; lvl >= 0; lvl-- {
		for {
			next := s.nodeForward(curr, lvl)
			if next == 0 {
				break
			}
			cmp := bytes.Compare(s.nodeKey(next), key)
			if cmp == 0 {
				s.setNodeValue(next, value)
				return nil
			}
			if cmp < 0 {
				curr = next
				continue
			}
			break
		}
		update[lvl] = curr
	}

	// Allocate the meta node: LIFO reuse of a deleted node of the same
	// level, else bump allocation at the end of the used region.
	var nodeOff uint64
	reused := false
	if fl := s.metafree[newLevel]; len(fl) > 0 {
		nodeOff = fl[len(fl)-1]
		s.metafree[newLevel] = fl[:len(fl)-1]
		reused = true
	} else {
		nodeOff = s.metaUsed()
	}

	// The data record is committed before the node becomes reachable, so
	// a reader can never follow a spliced node to uninitialized key
	// bytes. Reserve the worst case so the record write cannot straddle
	// a grow.
	for s.dataCap()-s.dataUsed() < recordSize(uint64(s.opts.MaxKeyLen)) {
		if err := s.growData(); err != nil {
			return err
		}
	}
	dataOff := s.dataUsed()
	s.setDataUsed(dataOff + s.writeRecord(dataOff, nodeOff, key))

	// Raise the head when the new node is taller than the list.
	if headLevel := s.nodeLevel(headOffset); headLevel < newLevel {
		for i := headLevel; i < newLevel; i++ {
			update[i] = headOffset
		}
		s.setNodeLevel(headOffset, newLevel)
	}

	s.setNodeFlags(nodeOff, flagUsed)
	s.setNodeLevel(nodeOff, newLevel)
	s.setNodeBackward(nodeOff, update[0])
	s.setNodeDataOff(nodeOff, dataOff)
	s.setNodeValue(nodeOff, value)

	// Splice: successor's backward (or the tail) first, then the
	// forward pointers bottom-up.
	if next := s.nodeForward(update[0], 0); next != 0 {
		s.setNodeBackward(next, nodeOff)
	} else {
		s.setMetaTail(nodeOff)
	}
	for i := 0; i < newLevel; i++ {
		s.setNodeForward(nodeOff, i, s.nodeForward(update[i], i))
		s.setNodeForward(update[i], i, nodeOff)
	}

	s.setMetaCount(s.metaCount() + 1)
	if !reused {
		s.setMetaUsed(s.metaUsed() + nodeSize(newLevel))
	}
	s.bumpMaxKeyLocked(key)
	return nil
}

// bumpMaxKeyLocked raises maxKey to key when key exceeds it. Write lock
// held; the slice is copied because key may alias a caller buffer or a
// mapping.
func (s *Shard) bumpMaxKeyLocked(key []byte) {
	if bytes.Compare(key, s.maxKey) > 0 {
		s.maxKey = append([]byte(nil), key...)
	}
}

// Get returns the value stored under key, or ErrKeyNotFound.
//
// Routing by state:
//   - Normal/Child: search in place
//   - Splitting: the redo log is consulted first; a tombstone there
//     answers ErrKeyNotFound without descending into the frozen shard
//   - SplitDone: re-enter under the write lock, route to the proper
//     child, and perform adoption on the way
//
// Thread safety: safe for concurrent use; holds the read lock, upgrading
// to the write lock only for the adoption case.
func (s *Shard) Get(key []byte) (uint64, error) {
	s.mu.RLock()
	if s.state == StateSplitDone {
		// Adoption mutates and ultimately destroys this shard; redo the
		// dispatch with the write lock held.
		s.mu.RUnlock()
		return s.getAdopt(key)
	}
	defer s.mu.RUnlock()

	switch s.state {
	case StateReleased:
		return 0, ErrReleased
	case StateSplitting:
		if err := s.split.err; err != nil {
			return 0, errors.WithMessage(err, "background split failed")
		}
		if n := s.split.log.GetNode(key); n != nil {
			if n.Flag == redo.FlagDeleted {
				return 0, ErrKeyNotFound
			}
			return n.Value, nil
		}
	}
	return s.searchLocked(key)
}

// getAdopt handles a Get that observed a finished split: under the write
// lock it routes the read into a child and then adopts. A racing caller
// that adopted first left the shard Released, in which case getAdopt
// returns ErrReleased without reading anything.
func (s *Shard) getAdopt(key []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSplitDone {
		// Lost the race. Only Released is reachable from SplitDone; the
		// check stays general so a misrouted state fails loudly.
		if s.state == StateReleased {
			return 0, ErrReleased
		}
		return 0, errors.Wrapf(ErrInvalidState, "state %s after lock upgrade", s.state)
	}

	child := s.routeChildLocked(key)
	value, err := child.Get(key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return 0, err
	}
	if aerr := s.adoptLocked(); aerr != nil {
		return 0, aerr
	}
	return value, err
}

// searchLocked is the plain downward skiplist search. Any lock held.
func (s *Shard) searchLocked(key []byte) (uint64, error) {
	curr := headOffset
	for lvl := s.nodeLevel(headOffset) - 1; lvl >= 0; lvl-- {
		for {
			next := s.nodeForward(curr, lvl)
			if next == 0 {
				break
			}
			cmp := bytes.Compare(s.nodeKey(next), key)
			if cmp < 0 {
				curr = next
				continue
			}
			if cmp == 0 {
				return s.nodeValue(next), nil
			}
			break
		}
	}
	return 0, ErrKeyNotFound
}

// Delete removes key from the shard. Deleting an absent key succeeds;
// the operation is idempotent.
//
// Routing by state mirrors Put: Splitting records a tombstone in the
// redo log, SplitDone routes into a child and adopts.
//
// The node's space is recycled: its offset joins the free stack of its
// level and its data record joins the orphan list. maxKey is not
// recomputed here; it stays a high-water mark until the next refresh.
//
// Thread safety: safe for concurrent use; holds the write lock.
func (s *Shard) Delete(key []byte) error {
	if len(key) == 0 {
		return errors.New("shard: empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReleased:
		return ErrReleased

	case StateSplitting:
		if err := s.split.err; err != nil {
			return errors.WithMessage(err, "background split failed")
		}
		return s.split.log.DelPut(key)

	case StateSplitDone:
		child := s.routeChildLocked(key)
		if err := child.Delete(key); err != nil {
			return err
		}
		return s.adoptLocked()
	}

	return s.removeLocked(key)
}

// removeLocked is the in-place skiplist delete.
func (s *Shard) removeLocked(key []byte) error {
	var update [MaxLevel]uint64
	var target uint64
	curr := headOffset
	for lvl := s.nodeLevel(headOffset) - 1; lvl >= 0; lvl-- {
		for {
			next := s.nodeForward(curr, lvl)
			if next == 0 {
				break
			}
			cmp := bytes.Compare(s.nodeKey(next), key)
			if cmp < 0 {
				curr = next
				continue
			}
			if cmp > 0 {
				break
			}
			update[lvl] = curr
			target = next
			break // descend to find update[lvl-1]
		}
	}
	if target == 0 {
		return nil
	}

	targetLevel := s.nodeLevel(target)
	for i := 0; i < targetLevel; i++ {
		s.setNodeForward(update[i], i, s.nodeForward(target, i))
	}
	if next := s.nodeForward(target, 0); next != 0 {
		s.setNodeBackward(next, s.nodeBackward(target))
	} else {
		s.setMetaTail(s.nodeBackward(target))
	}
	for {
		headLevel := s.nodeLevel(headOffset)
		if headLevel == 0 || s.nodeForward(headOffset, headLevel-1) != 0 {
			break
		}
		s.setNodeLevel(headOffset, headLevel-1)
	}

	s.setNodeFlags(target, flagDeleted)
	s.datafree = append(s.datafree, s.nodeDataOff(target))
	s.metafree[targetLevel] = append(s.metafree[targetLevel], target)
	s.setMetaCount(s.metaCount() - 1)
	return nil
}

// routeChildLocked picks the child that owns key after a finished split:
// keys at or below the left child's tail go left, everything else right.
// An empty left child sends everything right.
func (s *Shard) routeChildLocked(key []byte) *Shard {
	s.split.left.mu.RLock()
	leftTail := s.split.left.tailKeyLocked()
	if leftTail != nil {
		// Copy out before releasing: the slice aliases the left child's
		// data mapping.
		leftTail = append([]byte(nil), leftTail...)
	}
	s.split.left.mu.RUnlock()

	if leftTail == nil || bytes.Compare(key, leftTail) > 0 {
		return s.split.right
	}
	return s.split.left
}
