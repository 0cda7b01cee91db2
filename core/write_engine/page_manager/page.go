package pagemanager

import (
	"math"
	"strconv"
	"sync"
	"sync/atomic"
)

// --- Page Management ---

// PageSize is the size in bytes of every page on disk and in memory.
const PageSize = 4096

// PageID represents a unique identifier for a page on disk.
type PageID uint64

// InvalidPageID marks a slot that does not hold any page.
const InvalidPageID PageID = math.MaxUint64

func (p PageID) IsValid() bool { return p != InvalidPageID }

func (p PageID) String() string {
	if p == InvalidPageID {
		return "invalid"
	}
	return strconv.FormatUint(uint64(p), 10)
}

// Page is the raw on-disk unit.
type Page [PageSize]byte

// Buffer is the in-memory copy of exactly one page at a time.
//
// Content and the dirty flag may be changed by any holder of the buffer as
// long as it takes the latch. The identity only changes through Assign, which
// the buffer pool manager calls while no lease references the buffer.
type Buffer struct {
	id      PageID
	data    Page
	isDirty atomic.Bool

	// latch protects data. It is a physical latch only; it does not pin.
	latch sync.RWMutex
}

// NewBuffer returns an unloaded buffer.
func NewBuffer() *Buffer {
	return &Buffer{id: InvalidPageID}
}

func (b *Buffer) GetPageID() PageID { return b.id }
func (b *Buffer) IsDirty() bool     { return b.isDirty.Load() }
func (b *Buffer) SetDirty(dirty bool) {
	b.isDirty.Store(dirty)
}

// GetData returns the page content. Callers must hold the latch.
func (b *Buffer) GetData() []byte { return b.data[:] }

// SetData copies newData into the page starting at offset and marks the
// buffer dirty. Callers must hold the write latch.
func (b *Buffer) SetData(offset int, newData []byte) int {
	if offset < 0 || offset >= PageSize {
		return 0
	}
	n := copy(b.data[offset:], newData)
	b.isDirty.Store(true)
	return n
}

// Assign replaces the identity of the buffer. When zero is true the content
// is cleared. The dirty flag is set to dirty.
func (b *Buffer) Assign(id PageID, zero, dirty bool) {
	b.latch.Lock()
	defer b.latch.Unlock()
	b.id = id
	if zero {
		b.data = Page{}
	}
	b.isDirty.Store(dirty)
}

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (b *Buffer) RLock() { b.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (b *Buffer) RUnlock() { b.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (b *Buffer) Lock() { b.latch.Lock() }

// Unlock releases a write (exclusive) latch on the page.
func (b *Buffer) Unlock() { b.latch.Unlock() }
