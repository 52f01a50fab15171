package shard

import "encoding/binary"

// On-disk layout of the two shard files. All fields are little-endian;
// all offsets are byte offsets into the owning file's mapped region, with
// 0 reserved as the null offset (both headers occupy offset 0).
//
// Meta file:
//
//	[ header | head node | node | node | ... ]
//
// Data file:
//
//	[ header | record | record | ... ]
//
// A node's key lives in the data file; its 64-bit value lives inline in
// the node. The two halves point at each other (node.dataOff and
// record.metaOff), which load-time reconstruction and future compaction
// rely on.

const (
	metaMagic     = uint32(0x4d4c4b53) // "SKLM"
	dataMagic     = uint32(0x444c4b53) // "SKLD"
	formatVersion = uint32(1)
)

// Meta header: magic u32 | version u32 | cap u64 | used u64 | tail u64 |
// count u64 | p f64.
const (
	mhMagic   = 0
	mhVersion = 4
	mhCap     = 8
	mhUsed    = 16
	mhTail    = 24
	mhCount   = 32
	mhP       = 40

	metaHeaderSize = 48
)

// Node: flags u32 | level u32 | backward u64 | dataOff u64 | value u64 |
// forwards [level]u64. The head node reserves all MaxLevel forward slots
// and its level field doubles as the current height of the list.
const (
	nFlags    = 0
	nLevel    = 4
	nBackward = 8
	nDataOff  = 16
	nValue    = 24
	nForwards = 32

	nodeHeaderSize = 32

	// headOffset is where the head node sits, directly after the header.
	headOffset = uint64(metaHeaderSize)

	headNodeSize = nodeHeaderSize + 8*MaxLevel
)

// Node flags.
const (
	flagHead    = uint32(1)
	flagUsed    = uint32(2)
	flagDeleted = uint32(4)
)

// Data header: magic u32 | version u32 | cap u64 | used u64.
const (
	dhMagic   = 0
	dhVersion = 4
	dhCap     = 8
	dhUsed    = 16

	dataHeaderSize = 24
)

// Data record: metaOff u64 | keyLen u64 | key bytes.
const (
	drMetaOff = 0
	drKeyLen  = 8

	recordHeaderSize = 16
)

// Raw little-endian helpers for header initialization and validation.
func getU32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getU64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// nodeSize returns the full on-disk size of a node of the given level.
func nodeSize(level int) uint64 {
	return uint64(nodeHeaderSize + 8*level)
}

// recordSize returns the full on-disk size of a data record holding a
// key of keyLen bytes.
func recordSize(keyLen uint64) uint64 {
	return recordHeaderSize + keyLen
}

// ---- meta header accessors ----
//
// Every accessor re-derives the mapped region from the arena so that a
// grow between two calls can never leave a caller on a stale mapping.

func (s *Shard) metaCap() uint64 {
	return binary.LittleEndian.Uint64(s.meta.Bytes()[mhCap:])
}

func (s *Shard) setMetaCap(v uint64) {
	binary.LittleEndian.PutUint64(s.meta.Bytes()[mhCap:], v)
}

func (s *Shard) metaUsed() uint64 {
	return binary.LittleEndian.Uint64(s.meta.Bytes()[mhUsed:])
}

func (s *Shard) setMetaUsed(v uint64) {
	binary.LittleEndian.PutUint64(s.meta.Bytes()[mhUsed:], v)
}

func (s *Shard) metaTail() uint64 {
	return binary.LittleEndian.Uint64(s.meta.Bytes()[mhTail:])
}

func (s *Shard) setMetaTail(v uint64) {
	binary.LittleEndian.PutUint64(s.meta.Bytes()[mhTail:], v)
}

func (s *Shard) metaCount() uint64 {
	return binary.LittleEndian.Uint64(s.meta.Bytes()[mhCount:])
}

func (s *Shard) setMetaCount(v uint64) {
	binary.LittleEndian.PutUint64(s.meta.Bytes()[mhCount:], v)
}

// ---- node accessors ----

func (s *Shard) nodeFlags(off uint64) uint32 {
	return binary.LittleEndian.Uint32(s.meta.Bytes()[off+nFlags:])
}

func (s *Shard) setNodeFlags(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(s.meta.Bytes()[off+nFlags:], v)
}

func (s *Shard) nodeLevel(off uint64) int {
	return int(binary.LittleEndian.Uint32(s.meta.Bytes()[off+nLevel:]))
}

func (s *Shard) setNodeLevel(off uint64, v int) {
	binary.LittleEndian.PutUint32(s.meta.Bytes()[off+nLevel:], uint32(v))
}

func (s *Shard) nodeBackward(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.meta.Bytes()[off+nBackward:])
}

func (s *Shard) setNodeBackward(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.meta.Bytes()[off+nBackward:], v)
}

func (s *Shard) nodeDataOff(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.meta.Bytes()[off+nDataOff:])
}

func (s *Shard) setNodeDataOff(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.meta.Bytes()[off+nDataOff:], v)
}

func (s *Shard) nodeValue(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.meta.Bytes()[off+nValue:])
}

func (s *Shard) setNodeValue(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.meta.Bytes()[off+nValue:], v)
}

func (s *Shard) nodeForward(off uint64, level int) uint64 {
	return binary.LittleEndian.Uint64(s.meta.Bytes()[off+nForwards+uint64(8*level):])
}

func (s *Shard) setNodeForward(off uint64, level int, v uint64) {
	binary.LittleEndian.PutUint64(s.meta.Bytes()[off+nForwards+uint64(8*level):], v)
}

// ---- data header accessors ----

func (s *Shard) dataCap() uint64 {
	return binary.LittleEndian.Uint64(s.data.Bytes()[dhCap:])
}

func (s *Shard) setDataCap(v uint64) {
	binary.LittleEndian.PutUint64(s.data.Bytes()[dhCap:], v)
}

func (s *Shard) dataUsed() uint64 {
	return binary.LittleEndian.Uint64(s.data.Bytes()[dhUsed:])
}

func (s *Shard) setDataUsed(v uint64) {
	binary.LittleEndian.PutUint64(s.data.Bytes()[dhUsed:], v)
}

// ---- data record accessors ----

func (s *Shard) recordMetaOff(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.data.Bytes()[off+drMetaOff:])
}

func (s *Shard) recordKeyLen(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.data.Bytes()[off+drKeyLen:])
}

// recordKey returns the key bytes of the record at off. The slice
// aliases the data mapping: it is invalidated by the next data-file
// grow, so it must be copied before any operation that can insert.
func (s *Shard) recordKey(off uint64) []byte {
	keyLen := s.recordKeyLen(off)
	return s.data.Bytes()[off+recordHeaderSize : off+recordHeaderSize+keyLen]
}

// writeRecord writes a data record at off and returns its full size.
func (s *Shard) writeRecord(off, metaOff uint64, key []byte) uint64 {
	b := s.data.Bytes()
	binary.LittleEndian.PutUint64(b[off+drMetaOff:], metaOff)
	binary.LittleEndian.PutUint64(b[off+drKeyLen:], uint64(len(key)))
	copy(b[off+recordHeaderSize:], key)
	return recordSize(uint64(len(key)))
}

// nodeKey returns the key of the node at off, aliasing the data mapping.
func (s *Shard) nodeKey(off uint64) []byte {
	return s.recordKey(s.nodeDataOff(off))
}
