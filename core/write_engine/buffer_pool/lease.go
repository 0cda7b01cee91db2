package bufferpool

import (
	"sync/atomic"

	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
)

// Lease is a handle on a cached page. While any lease on a frame is
// unreleased the frame cannot be evicted. Leases are not safe to use after
// Release.
type Lease struct {
	frame    *Frame
	bpm      *BufferPoolManager
	released atomic.Bool
}

func newLease(bpm *BufferPoolManager, frame *Frame) *Lease {
	frame.pin()
	bpm.leaseIssued()
	return &Lease{frame: frame, bpm: bpm}
}

// PageID is the identity of the leased page. It cannot change while the
// lease is held.
func (l *Lease) PageID() pagemanager.PageID { return l.frame.buffer.GetPageID() }

// Buffer exposes the slot for callers that manage the latch themselves.
func (l *Lease) Buffer() *pagemanager.Buffer { return l.frame.buffer }

func (l *Lease) IsDirty() bool { return l.frame.buffer.IsDirty() }

// SetDirty marks the page as diverged from disk (or not).
func (l *Lease) SetDirty(dirty bool) { l.frame.buffer.SetDirty(dirty) }

// Read runs fn with a shared latch on the page content. fn must not retain
// the slice.
func (l *Lease) Read(fn func(data []byte)) {
	buf := l.frame.buffer
	buf.RLock()
	defer buf.RUnlock()
	fn(buf.GetData())
}

// Write runs fn with an exclusive latch on the page content and marks the
// page dirty.
func (l *Lease) Write(fn func(data []byte)) {
	buf := l.frame.buffer
	buf.Lock()
	defer buf.Unlock()
	fn(buf.GetData())
	buf.SetDirty(true)
}

// WriteAt copies p into the page at offset under an exclusive latch and
// returns the number of bytes copied. Bytes past the end of the page are
// dropped.
func (l *Lease) WriteAt(offset int, p []byte) int {
	buf := l.frame.buffer
	buf.Lock()
	defer buf.Unlock()
	return buf.SetData(offset, p)
}

// Clone returns a second, independently released lease on the same page.
func (l *Lease) Clone() *Lease {
	if l.released.Load() {
		panic("bufferpool: clone of released lease")
	}
	return newLease(l.bpm, l.frame)
}

// Release unpins the page. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.frame.unpin()
	l.bpm.leaseReleased()
}
