// Package mmap implements the file-backed arena used by shard files.
// See doc.go for complete package documentation.
package mmap

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// gib is the growth-policy threshold and linear increment (1 GiB).
const gib = 1 << 30

// Map is one memory-mapped file. The file handle stays open for the
// lifetime of the Map so Grow can truncate without reopening the path.
//
// A Map hands out its region through Bytes(); callers index it with
// offsets rather than holding sub-slices, because Grow invalidates every
// byte of the previous mapping.
type Map struct {
	// file is the backing file, kept open for Truncate during Grow.
	file *os.File

	// path is retained for error context and for Remove.
	path string

	// data is the live mapping. Replaced wholesale by Grow.
	data []byte
}

// Open maps the file at path, creating it at defaultSize when it does not
// exist yet.
//
// Behavior:
//   - Existing file: mapped at its current full size, created=false.
//   - Missing file: created, truncated to defaultSize, mapped,
//     created=true. Header initialization is the caller's job; the file
//     contents start zero-filled.
//
// Parameters:
//   - path: filesystem location of the backing file
//   - defaultSize: initial capacity for a fresh file (must be > 0)
//
// Returns:
//   - The live Map, whether the file was created, and any IO error.
func Open(path string, defaultSize int64) (*Map, bool, error) {
	created := false
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			created = true
			err = f.Truncate(defaultSize)
		}
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "mmap: open %s", path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, errors.Wrapf(err, "mmap: stat %s", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, false, errors.Wrapf(err, "mmap: map %s", path)
	}

	return &Map{file: f, path: path, data: data}, created, nil
}

// Bytes returns the live mapped region. The returned slice is invalidated
// by the next Grow or Close; never retain it across either.
func (m *Map) Bytes() []byte { return m.data }

// Cap returns the current mapped capacity in bytes.
func (m *Map) Cap() int64 { return int64(len(m.data)) }

// Path returns the filesystem path of the backing file.
func (m *Map) Path() string { return m.path }

// Grow resizes the backing file to newcap and remaps it.
//
// The sequence is unmap → truncate → remap. On a truncate or remap
// failure the original mapping is re-established at the old size, so the
// caller's view of the arena stays valid and the error is surfaced
// unchanged in meaning.
//
// All offsets remain valid after Grow; all previously obtained byte
// slices do not.
func (m *Map) Grow(newcap int64) error {
	oldcap := int64(len(m.data))
	if err := unix.Munmap(m.data); err != nil {
		return errors.Wrapf(err, "mmap: unmap %s", m.path)
	}
	m.data = nil

	if err := m.file.Truncate(newcap); err != nil {
		m.remap(oldcap)
		return errors.Wrapf(err, "mmap: truncate %s to %d", m.path, newcap)
	}
	if err := m.remap(newcap); err != nil {
		m.remap(oldcap)
		return errors.Wrapf(err, "mmap: remap %s at %d", m.path, newcap)
	}
	return nil
}

// remap re-establishes the mapping at size; helper for Grow's happy and
// rollback paths.
func (m *Map) remap(size int64) error {
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

// Sync flushes every dirty page of the mapping to stable storage.
func (m *Map) Sync() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return errors.Wrapf(err, "mmap: msync %s", m.path)
	}
	return nil
}

// Close unmaps the region and closes the backing file. The file itself is
// left on disk; pair with Remove to delete it.
func (m *Map) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return errors.Wrapf(err, "mmap: unmap %s", m.path)
		}
		m.data = nil
	}
	if err := m.file.Close(); err != nil {
		return errors.Wrapf(err, "mmap: close %s", m.path)
	}
	return nil
}

// Rename moves the backing file to newpath. The open descriptor and the
// mapping are unaffected; only the recorded path changes.
func (m *Map) Rename(newpath string) error {
	if err := os.Rename(m.path, newpath); err != nil {
		return errors.Wrapf(err, "mmap: rename %s to %s", m.path, newpath)
	}
	m.path = newpath
	return nil
}

// Remove deletes the backing file from the filesystem. Call after Close.
func (m *Map) Remove() error {
	if err := os.Remove(m.path); err != nil {
		return errors.Wrapf(err, "mmap: remove %s", m.path)
	}
	return nil
}

// GrowCap returns the next capacity for a region currently at cap:
// doubled below 1 GiB, +1 GiB afterwards.
func GrowCap(cap int64) int64 {
	if cap < gib {
		return cap * 2
	}
	return cap + gib
}
