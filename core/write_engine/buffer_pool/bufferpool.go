package bufferpool

import (
	"sync/atomic"

	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
)

// FrameID indexes the pool's fixed frame array.
type FrameID int

// InvalidFrameID is returned alongside false by Evict.
const InvalidFrameID FrameID = -1

// Frame pairs a buffer with its clock-sweep usage count and its pin count.
type Frame struct {
	// usageCount is bumped on every fetch and decremented by the sweep.
	// Guarded by the owning manager's mutex.
	usageCount uint64
	// pins counts outstanding leases. Leases release without the manager
	// mutex, hence atomic.
	pins   atomic.Int64
	buffer *pagemanager.Buffer
}

func newFrame() *Frame {
	return &Frame{buffer: pagemanager.NewBuffer()}
}

func (f *Frame) Buffer() *pagemanager.Buffer { return f.buffer }
func (f *Frame) UsageCount() uint64          { return f.usageCount }
func (f *Frame) PinCount() int64             { return f.pins.Load() }
func (f *Frame) IsPinned() bool              { return f.pins.Load() > 0 }

func (f *Frame) pin() { f.pins.Add(1) }

func (f *Frame) unpin() {
	if f.pins.Add(-1) < 0 {
		panic("bufferpool: frame unpinned more times than pinned")
	}
}

// BufferPool owns the frames and picks victims with clock-sweep.
type BufferPool struct {
	frames     []*Frame
	nextVictim FrameID
}

// NewBufferPool allocates size frames. The frames live as long as the pool.
func NewBufferPool(size int) *BufferPool {
	frames := make([]*Frame, size)
	for i := range frames {
		frames[i] = newFrame()
	}
	return &BufferPool{frames: frames}
}

func (bp *BufferPool) Size() int { return len(bp.frames) }

// Frame returns the frame at id.
func (bp *BufferPool) Frame(id FrameID) *Frame { return bp.frames[id] }

// Evict runs one clock sweep and returns a frame that may be reused.
//
// The hand stays on the returned frame; the caller refills it with usage 1,
// so the next sweep passes over it once before it can be chosen again. A
// frame is never returned while pinned. After size consecutive pinned
// frames the sweep gives up.
func (bp *BufferPool) Evict() (FrameID, bool) {
	size := len(bp.frames)
	if size == 0 {
		return InvalidFrameID, false
	}
	consecutivePinned := 0
	for {
		frame := bp.frames[bp.nextVictim]
		pinned := frame.IsPinned()
		if frame.usageCount == 0 && !pinned {
			return bp.nextVictim, true
		}
		if !pinned {
			frame.usageCount--
			consecutivePinned = 0
		} else {
			consecutivePinned++
			if consecutivePinned >= size {
				return InvalidFrameID, false
			}
		}
		bp.nextVictim = bp.advance(bp.nextVictim)
	}
}

func (bp *BufferPool) advance(id FrameID) FrameID {
	return FrameID((int(id) + 1) % len(bp.frames))
}
