package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// loadFrames sets usage counts and pins directly, bypassing the manager.
func loadFrames(bp *BufferPool, usage []uint64, pinned []bool) {
	for i := range usage {
		f := bp.Frame(FrameID(i))
		f.usageCount = usage[i]
		if pinned[i] {
			f.pin()
		}
	}
}

func TestBufferPool_EmptyPoolPicksCursorFrame(t *testing.T) {
	bp := NewBufferPool(3)
	require.Equal(t, 3, bp.Size())

	id, ok := bp.Evict()
	require.True(t, ok)
	require.Equal(t, FrameID(0), id)

	// The hand does not move past a returned victim.
	id, ok = bp.Evict()
	require.True(t, ok)
	require.Equal(t, FrameID(0), id)
}

func TestBufferPool_SweepDecrementsUnpinnedFrames(t *testing.T) {
	bp := NewBufferPool(3)
	loadFrames(bp, []uint64{2, 1, 3}, []bool{false, false, false})

	// Pass 1: 2->1, 1->0, 3->2; pass 2: frame 0 1->0, frame 1 is zero.
	id, ok := bp.Evict()
	require.True(t, ok)
	require.Equal(t, FrameID(1), id)
	require.Equal(t, uint64(0), bp.Frame(0).UsageCount())
	require.Equal(t, uint64(0), bp.Frame(1).UsageCount())
	require.Equal(t, uint64(2), bp.Frame(2).UsageCount())
}

func TestBufferPool_NeverReturnsPinnedFrame(t *testing.T) {
	bp := NewBufferPool(4)
	loadFrames(bp, []uint64{1, 5, 1, 2}, []bool{true, false, true, true})

	for i := 0; i < 10; i++ {
		id, ok := bp.Evict()
		require.True(t, ok)
		require.Equal(t, FrameID(1), id, "only frame 1 is unpinned")
		require.False(t, bp.Frame(id).IsPinned())
		bp.Frame(id).usageCount = 1
	}

	// Pinned frames keep their usage counts.
	require.Equal(t, uint64(1), bp.Frame(0).UsageCount())
	require.Equal(t, uint64(1), bp.Frame(2).UsageCount())
	require.Equal(t, uint64(2), bp.Frame(3).UsageCount())
}

func TestBufferPool_PinnedZeroUsageFrameIsSkipped(t *testing.T) {
	bp := NewBufferPool(2)
	loadFrames(bp, []uint64{0, 1}, []bool{true, false})

	id, ok := bp.Evict()
	require.True(t, ok)
	require.Equal(t, FrameID(1), id)
}

func TestBufferPool_AllPinnedReturnsFalse(t *testing.T) {
	bp := NewBufferPool(3)
	loadFrames(bp, []uint64{1, 1, 1}, []bool{true, true, true})

	id, ok := bp.Evict()
	require.False(t, ok)
	require.Equal(t, InvalidFrameID, id)

	// Releasing one pin makes progress possible again.
	bp.Frame(2).unpin()
	id, ok = bp.Evict()
	require.True(t, ok)
	require.Equal(t, FrameID(2), id)
}

func TestBufferPool_CursorPersistsAcrossCalls(t *testing.T) {
	bp := NewBufferPool(3)

	for want := 0; want < 3; want++ {
		id, ok := bp.Evict()
		require.True(t, ok)
		require.Equal(t, FrameID(want), id)
		// Simulate the manager filling the frame and holding a lease.
		bp.Frame(id).usageCount = 1
		bp.Frame(id).pin()
	}

	_, ok := bp.Evict()
	require.False(t, ok)
}

func TestFrame_UnpinBelowZeroPanics(t *testing.T) {
	f := newFrame()
	require.Panics(t, func() { f.unpin() })
}
