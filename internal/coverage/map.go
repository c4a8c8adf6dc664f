package coverage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// headerSize covers the two little-endian u32 fields (total_blocks,
// coverage_count) that precede the bitmap in a coverage record.
const headerSize = 8

var ErrShortRecord = errors.New("coverage record too short")

// Map is a fixed-capacity bit vector over basic blocks. Bits are only ever
// set, so Count never decreases. A Map is not safe for concurrent use; see
// Global for the shared campaign map.
type Map struct {
	totalBlocks uint32
	count       uint32
	bits        []byte
}

// NewMap returns an empty map tracking totalBlocks blocks in a bitmap of
// bitmapSize bytes.
func NewMap(totalBlocks uint32, bitmapSize int) *Map {
	if int(totalBlocks) > bitmapSize*8 {
		panic(fmt.Sprintf("bitmap of %d bytes cannot hold %d blocks", bitmapSize, totalBlocks))
	}
	return &Map{
		totalBlocks: totalBlocks,
		bits:        make([]byte, bitmapSize),
	}
}

// RecordSize is the size of the wire record shared with the target.
func RecordSize(bitmapSize int) int {
	return headerSize + bitmapSize
}

// Decode parses one coverage record as written by an instrumented target.
// The bitmap is copied; buf may be reused afterwards.
func Decode(buf []byte, bitmapSize int) (*Map, error) {
	if len(buf) < RecordSize(bitmapSize) {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortRecord, len(buf), RecordSize(bitmapSize))
	}
	m := &Map{
		totalBlocks: binary.LittleEndian.Uint32(buf[0:4]),
		count:       binary.LittleEndian.Uint32(buf[4:8]),
		bits:        make([]byte, bitmapSize),
	}
	copy(m.bits, buf[headerSize:headerSize+bitmapSize])
	return m, nil
}

// Encode writes the record layout of m into buf, which must hold
// RecordSize(len(bits)) bytes.
func (m *Map) Encode(buf []byte) error {
	if len(buf) < RecordSize(len(m.bits)) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortRecord, len(buf), RecordSize(len(m.bits)))
	}
	binary.LittleEndian.PutUint32(buf[0:4], m.totalBlocks)
	binary.LittleEndian.PutUint32(buf[4:8], m.count)
	copy(buf[headerSize:], m.bits)
	return nil
}

func (m *Map) Has(block uint32) bool {
	if int(block/8) >= len(m.bits) {
		return false
	}
	return m.bits[block/8]>>(block%8)&1 != 0
}

// Set marks a block as covered. It is how targets (and tests) build samples;
// the campaign map only grows through Merge.
func (m *Map) Set(block uint32) {
	if int(block/8) >= len(m.bits) || m.Has(block) {
		return
	}
	m.bits[block/8] |= 1 << (block % 8)
	m.count++
}

// Merge ORs every block of sample inside [0, TotalBlocks) into m and reports
// whether any bit changed. Blocks the sample sets beyond TotalBlocks are
// ignored.
func (m *Map) Merge(sample *Map) bool {
	changed := false
	for i := uint32(0); i < m.totalBlocks; i++ {
		if sample.Has(i) && !m.Has(i) {
			m.bits[i/8] |= 1 << (i % 8)
			m.count++
			changed = true
		}
	}
	return changed
}

// WouldChange reports whether Merge(sample) would set at least one bit,
// without modifying m.
func (m *Map) WouldChange(sample *Map) bool {
	for i := uint32(0); i < m.totalBlocks; i++ {
		if sample.Has(i) && !m.Has(i) {
			return true
		}
	}
	return false
}

// Snapshot returns (coverage_count, total_blocks).
func (m *Map) Snapshot() (uint32, uint32) {
	return m.count, m.totalBlocks
}

func (m *Map) Clone() *Map {
	bits := make([]byte, len(m.bits))
	copy(bits, m.bits)
	return &Map{totalBlocks: m.totalBlocks, count: m.count, bits: bits}
}

// Global is the campaign-wide coverage map. Any number of readers may probe
// it concurrently; Merge takes the write lock.
type Global struct {
	mu sync.RWMutex
	m  *Map
}

func NewGlobal(totalBlocks uint32, bitmapSize int) *Global {
	return &Global{m: NewMap(totalBlocks, bitmapSize)}
}

// Merge applies sample under the write lock.
func (g *Global) Merge(sample *Map) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.Merge(sample)
}

// MergeIfNew probes sample against the current map under the read lock and
// only takes the write lock when the sample would add coverage. The returned
// flag is the authoritative result of the locked merge, so a sibling that
// merged the same blocks in between makes it false.
func (g *Global) MergeIfNew(sample *Map) bool {
	g.mu.RLock()
	novel := g.m.WouldChange(sample)
	g.mu.RUnlock()
	if !novel {
		return false
	}
	return g.Merge(sample)
}

func (g *Global) Snapshot() (uint32, uint32) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.m.Snapshot()
}
