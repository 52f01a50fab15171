package shard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/skipdb/internal/redo"
)

// splitMetaSize is sized so that sixteen level-1 nodes fit and the
// seventeenth put trips the capacity gate: header (48) + head (288) +
// 16 nodes × 40 = 976 used, leaving less than one more node.
const splitMetaSize = 1000

// fillSixteen puts the keys "a".."p" with values 1..16.
func fillSixteen(t *testing.T, s *Shard) {
	t.Helper()
	for i, r := range "abcdefghijklmnop" {
		require.NoError(t, s.Put([]byte(string(r)), uint64(i+1)))
	}
}

// TestSplitLifecycle drives a full split end to end: the trigger put
// lands in the redo log, the splitter halves the shard around the pivot
// "h", the drain routes the redo entry to the right child, and the first
// read through performs adoption.
func TestSplitLifecycle(t *testing.T) {
	dir := t.TempDir()
	router := &mockRouter{dir: dir}
	s := openTest(t, dir, Options{MetaSize: splitMetaSize}, router)

	fillSixteen(t, s)
	require.Equal(t, StateNormal, s.State())

	// Seventeenth put: no room for another node, so the split starts
	// and this key becomes the redo log's first entry.
	require.NoError(t, s.Put([]byte("z"), 99))
	s.waitSplit()
	require.Equal(t, StateSplitDone, s.State())

	left, right := s.split.left, s.split.right
	if got := string(left.nodeKey(left.metaTail())); got != "h" {
		t.Fatalf("Expected pivot h as left tail, got %q", got)
	}
	if left.Count() != 8 || right.Count() != 9 {
		t.Fatalf("Expected 8/9 keys after drain, got %d/%d", left.Count(), right.Count())
	}
	if string(left.MaxKey()) != "h" || string(right.MaxKey()) != "z" {
		t.Errorf("Expected child max keys h/z, got %q/%q", left.MaxKey(), right.MaxKey())
	}
	checkInvariants(t, left)
	checkInvariants(t, right)

	// The drained redo log is gone.
	if _, err := os.Stat(filepath.Join(dir, "s"+redoSuffix)); !os.IsNotExist(err) {
		t.Errorf("Expected redo log destroyed after finalize, stat err = %v", err)
	}

	// First operation through adopts: it answers from the right child
	// and hands both children to the router.
	got, err := s.Get([]byte("z"))
	require.NoError(t, err)
	if got != 99 {
		t.Errorf("Get(z) = %d, want 99", got)
	}
	require.Equal(t, 1, router.splitCount())

	ev := router.splits[0]
	if string(ev.oldMax) != "z" || string(ev.leftMax) != "h" || string(ev.rightMax) != "z" {
		t.Errorf("Unexpected adoption keys old=%q left=%q right=%q", ev.oldMax, ev.leftMax, ev.rightMax)
	}
	require.Equal(t, StateNormal, ev.left.State())
	require.Equal(t, StateNormal, ev.right.State())
	if !strings.Contains(ev.left.Prefix(), "sl-") || !strings.Contains(ev.right.Prefix(), "sl-") {
		t.Errorf("Expected children renamed to fresh prefixes, got %q and %q", ev.left.Prefix(), ev.right.Prefix())
	}

	// The parent destroyed itself.
	require.Equal(t, StateReleased, s.State())
	for _, suffix := range []string{metaSuffix, dataSuffix} {
		if _, err := os.Stat(filepath.Join(dir, "s"+suffix)); !os.IsNotExist(err) {
			t.Errorf("Expected parent %s removed after adoption, stat err = %v", suffix, err)
		}
	}
	require.ErrorIs(t, s.Put([]byte("a"), 1), ErrReleased)

	// The promoted children answer for their halves.
	v, err := ev.left.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	v, err = ev.right.Get([]byte("p"))
	require.NoError(t, err)
	require.Equal(t, uint64(16), v)

	require.NoError(t, ev.left.Close())
	require.NoError(t, ev.right.Close())
}

// TestAdoptionAfterReopen simulates a crash between split finalize and
// adoption: the shard reopens in the split-done state and the first
// mutation adopts.
func TestAdoptionAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{MetaSize: splitMetaSize}, nil)

	fillSixteen(t, s)
	require.NoError(t, s.Put([]byte("z"), 99))
	s.waitSplit()
	require.Equal(t, StateSplitDone, s.State())
	require.NoError(t, s.Close())

	router := &mockRouter{dir: dir}
	s2 := openTest(t, dir, Options{MetaSize: splitMetaSize}, router)
	require.Equal(t, StateSplitDone, s2.State())
	if string(s2.MaxKey()) != "z" {
		t.Errorf("Expected reopened max key z, got %q", s2.MaxKey())
	}

	// First mutation routes to the right child and adopts exactly once.
	require.NoError(t, s2.Put([]byte("q"), 17))
	require.Equal(t, 1, router.splitCount())
	require.Equal(t, StateReleased, s2.State())
	for _, suffix := range []string{metaSuffix, dataSuffix} {
		if _, err := os.Stat(filepath.Join(dir, "s"+suffix)); !os.IsNotExist(err) {
			t.Errorf("Expected parent %s removed, stat err = %v", suffix, err)
		}
	}

	ev := router.splits[0]
	for key, want := range map[string]uint64{"q": 17, "z": 99} {
		got, err := ev.right.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	got, err := ev.left.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)

	require.NoError(t, ev.left.Close())
	require.NoError(t, ev.right.Close())
}

// TestRecoveryFromRedoLog simulates a crash mid-split: a redo log left
// on disk makes Open rebuild the children and re-run the split to
// completion before returning.
func TestRecoveryFromRedoLog(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{MetaSize: splitMetaSize}, nil)
	fillSixteen(t, s)
	require.NoError(t, s.Close())

	// A write that arrived while the (now crashed) split was running.
	l, err := redo.Open(filepath.Join(dir, "s"+redoSuffix), 0.25)
	require.NoError(t, err)
	require.NoError(t, l.Put([]byte("z"), 99))
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	router := &mockRouter{dir: dir}
	s2 := openTest(t, dir, Options{MetaSize: splitMetaSize}, router)
	require.Equal(t, StateSplitDone, s2.State())

	if _, err := os.Stat(filepath.Join(dir, "s"+redoSuffix)); !os.IsNotExist(err) {
		t.Errorf("Expected redo log consumed by recovery, stat err = %v", err)
	}
	if got := s2.split.left.Count(); got != 8 {
		t.Errorf("Expected 8 keys in recovered left child, got %d", got)
	}
	if got := s2.split.right.Count(); got != 9 {
		t.Errorf("Expected 9 keys in recovered right child, got %d", got)
	}

	got, err := s2.Get([]byte("z"))
	require.NoError(t, err)
	require.Equal(t, uint64(99), got)
	require.Equal(t, 1, router.splitCount())

	require.NoError(t, router.splits[0].left.Close())
	require.NoError(t, router.splits[0].right.Close())
}

// TestCloseJoinsSplitter tests that closing a shard mid-split blocks
// until the splitter finishes, leaving a clean split-done layout on
// disk.
func TestCloseJoinsSplitter(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{MetaSize: splitMetaSize}, nil)
	fillSixteen(t, s)
	require.NoError(t, s.Put([]byte("z"), 99))

	// No waitSplit: Close itself must join.
	require.NoError(t, s.Close())

	if _, err := os.Stat(filepath.Join(dir, "s"+redoSuffix)); !os.IsNotExist(err) {
		t.Errorf("Expected no redo log after joined close, stat err = %v", err)
	}
	for _, prefix := range []string{"s" + leftSuffix, "s" + rightSuffix} {
		if _, err := os.Stat(filepath.Join(dir, prefix+metaSuffix)); err != nil {
			t.Errorf("Expected child %s to exist after close, stat err = %v", prefix, err)
		}
	}
}

// TestSplittingDispatch pins the shard into the splitting state and
// checks the redo-log routing rules directly: writes append, tombstones
// shadow the frozen structure, misses fall through, and the structure
// itself never changes.
func TestSplittingDispatch(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{}, nil)
	require.NoError(t, s.Put([]byte("a"), 1))

	l, err := redo.Open(filepath.Join(dir, "s"+redoSuffix), 0.25)
	require.NoError(t, err)
	s.mu.Lock()
	s.split = &splitRun{log: l}
	s.state = StateSplitting
	s.mu.Unlock()

	// Writes land in the log, not the shard.
	require.NoError(t, s.Put([]byte("b"), 2))
	if s.Count() != 1 {
		t.Errorf("Expected frozen shard to stay at count 1, got %d", s.Count())
	}
	got, err := s.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), got)

	// A tombstone shadows a key the shard still holds.
	require.NoError(t, s.Delete([]byte("a")))
	_, err = s.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	if s.Count() != 1 {
		t.Errorf("Expected delete to stay out of the frozen shard, count %d", s.Count())
	}

	// A key neither place knows stays not-found.
	_, err = s.Get([]byte("c"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Max key follows redo writes.
	require.NoError(t, s.Put([]byte("x"), 7))
	require.Equal(t, "x", string(s.MaxKey()))

	s.mu.Lock()
	s.state = StateNormal
	s.split = nil
	s.mu.Unlock()
	require.NoError(t, l.Destroy())
	require.NoError(t, s.Close())
}

// TestSplitterErrorSurfaced tests that a stored splitter failure reaches
// the next foreground caller on every operation.
func TestSplitterErrorSurfaced(t *testing.T) {
	s := openTest(t, t.TempDir(), Options{}, nil)

	boom := errors.New("boom")
	s.mu.Lock()
	s.split = &splitRun{err: boom}
	s.state = StateSplitting
	s.mu.Unlock()

	require.ErrorIs(t, s.Put([]byte("a"), 1), boom)
	_, err := s.Get([]byte("a"))
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, s.Delete([]byte("a")), boom)

	s.mu.Lock()
	s.state = StateNormal
	s.split = nil
	s.mu.Unlock()
	require.NoError(t, s.Close())
}

// TestChildGrowsInsteadOfSplitting tests that capacity pressure on a
// child shard grows the meta file rather than recursing into a split.
func TestChildGrowsInsteadOfSplitting(t *testing.T) {
	s := openTest(t, t.TempDir(), Options{MetaSize: 512}, nil)
	s.mu.Lock()
	s.state = StateChild
	s.mu.Unlock()

	for i := 0; i < 32; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%02d", i)), uint64(i)))
	}

	require.Equal(t, StateChild, s.State())
	if s.metaCap() <= 512 {
		t.Errorf("Expected meta file grown past 512, cap %d", s.metaCap())
	}
	for i := 0; i < 32; i++ {
		got, err := s.Get([]byte(fmt.Sprintf("key-%02d", i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), got)
	}
	checkInvariants(t, s)
	require.NoError(t, s.Close())
}

// TestDataFileGrowth tests that a small data file grows transparently
// and keys stay readable across the remap.
func TestDataFileGrowth(t *testing.T) {
	s := openTest(t, t.TempDir(), Options{DataSize: 2048, MaxKeyLen: 64}, nil)
	defer s.Close()

	for i := 0; i < 64; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("data-growth-key-%04d", i)), uint64(i)))
	}
	if s.dataCap() <= 2048 {
		t.Errorf("Expected data file grown past 2048, cap %d", s.dataCap())
	}
	for i := 0; i < 64; i++ {
		got, err := s.Get([]byte(fmt.Sprintf("data-growth-key-%04d", i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), got)
	}
	checkInvariants(t, s)
}
