package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	flushmanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagecache/internal/telemetry"
	"github.com/sushant-115/gojodb-pagecache/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DiskStore is the page I/O the pool depends on. *flushmanager.DiskManager
// implements it.
type DiskStore interface {
	AllocatePage() pagemanager.PageID
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	Sync() error
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	PoolSize     int    `json:"pool_size"`
	CachedPages  int    `json:"cached_pages"`
	PinnedFrames int    `json:"pinned_frames"`
	DirtyFrames  int    `json:"dirty_frames"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	PagesCreated uint64 `json:"pages_created"`
	Evictions    uint64 `json:"evictions"`
	WriteBacks   uint64 `json:"write_backs"`
	NoFreeBuffer uint64 `json:"no_free_buffer"`
}

// HitRatio is hits / (hits + misses), or 0 before the first fetch.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// BufferPoolManager maps pages of a DiskStore into a fixed set of frames.
// FetchPage and CreatePage are the only ways to obtain a page; both return a
// Lease that pins the frame until released.
type BufferPoolManager struct {
	diskManager DiskStore
	pool        *BufferPool
	pageTable   map[pagemanager.PageID]FrameID
	mu          sync.Mutex
	closed      bool

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.BufferPoolMetrics

	hits, misses, created, evictions, writeBacks, noFree uint64
}

// NewBufferPoolManager creates a manager with poolSize frames. tel may be nil.
func NewBufferPoolManager(poolSize int, diskManager DiskStore, logger *zap.Logger, tel *telemetry.Telemetry) (*BufferPoolManager, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool size must be positive, got %d", poolSize)
	}
	if diskManager == nil {
		return nil, errors.New("buffer pool manager requires a disk store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register buffer pool metrics: %w", err)
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		pool:        NewBufferPool(poolSize),
		pageTable:   make(map[pagemanager.PageID]FrameID, poolSize),
		logger:      logger.Named("buffer_pool"),
		tracer:      tel.Tracer,
		metrics:     metrics,
	}
	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("pool_size", poolSize), zap.Int("page_size", pagemanager.PageSize))
	return bpm, nil
}

func (bpm *BufferPoolManager) PoolSize() int { return bpm.pool.Size() }

// FetchPage returns a lease on pageID, reading it from disk on a miss.
func (bpm *BufferPoolManager) FetchPage(ctx context.Context, pageID pagemanager.PageID) (lease *Lease, err error) {
	ctx, span := bpm.tracer.Start(ctx, "BufferPoolManager.FetchPage",
		trace.WithAttributes(attribute.String("page_id", pageID.String())))
	defer func() { endSpan(span, err) }()

	if !pageID.IsValid() {
		return nil, flushmanager.ErrInvalidPageID
	}

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil, flushmanager.ErrClosed
	}

	// 1. Page already cached.
	if frameID, ok := bpm.pageTable[pageID]; ok {
		frame := bpm.pool.Frame(frameID)
		frame.usageCount++
		bpm.hits++
		bpm.metrics.PageHitsCounter.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("hit", true))
		lease = newLease(bpm, frame)
		bpm.logger.Debug("Page hit",
			zap.Stringer("page_id", pageID), zap.Int("frame", int(frameID)),
			zap.Uint64("usage_count", frame.usageCount), zap.Int64("pin_count", frame.PinCount()))
		return lease, nil
	}

	bpm.misses++
	bpm.metrics.PageMissesCounter.Add(ctx, 1)
	span.SetAttributes(attribute.Bool("hit", false))

	// 2. Find a victim and write it back if dirty.
	frameID, err := bpm.reclaimFrameLocked(ctx)
	if err != nil {
		return nil, err
	}
	frame := bpm.pool.Frame(frameID)
	buf := frame.buffer
	oldID := buf.GetPageID()

	// 3. Load the requested page.
	buf.Lock()
	err = bpm.timedIO(ctx, "read", func() error {
		return bpm.diskManager.ReadPage(pageID, buf.GetData())
	})
	buf.Unlock()
	if err != nil {
		// The old page is already durable, so the frame is simply emptied.
		bpm.unloadLocked(frame)
		bpm.logger.Error("Failed to read page into frame",
			zap.Stringer("page_id", pageID), zap.Int("frame", int(frameID)), zap.Error(err))
		return nil, err
	}

	// 4. Install the new identity and update the page table.
	buf.Assign(pageID, false, false)
	frame.usageCount = 1
	if oldID.IsValid() {
		delete(bpm.pageTable, oldID)
	}
	bpm.pageTable[pageID] = frameID

	bpm.logger.Debug("Page loaded",
		zap.Stringer("page_id", pageID), zap.Int("frame", int(frameID)), zap.Stringer("evicted_page_id", oldID))
	return newLease(bpm, frame), nil
}

// CreatePage allocates a new page id and returns a lease on its zeroed,
// dirty page. Nothing is read from disk.
func (bpm *BufferPoolManager) CreatePage(ctx context.Context) (lease *Lease, err error) {
	ctx, span := bpm.tracer.Start(ctx, "BufferPoolManager.CreatePage")
	defer func() { endSpan(span, err) }()

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil, flushmanager.ErrClosed
	}

	frameID, err := bpm.reclaimFrameLocked(ctx)
	if err != nil {
		return nil, err
	}
	frame := bpm.pool.Frame(frameID)
	buf := frame.buffer
	if oldID := buf.GetPageID(); oldID.IsValid() {
		delete(bpm.pageTable, oldID)
	}

	// The id is allocated only after write-back succeeded so a failed
	// create does not burn an id.
	newPageID := bpm.diskManager.AllocatePage()
	buf.Assign(newPageID, true, true)
	frame.usageCount = 1
	bpm.pageTable[newPageID] = frameID

	bpm.created++
	bpm.metrics.PagesCreatedCounter.Add(ctx, 1)
	span.SetAttributes(attribute.String("page_id", newPageID.String()))
	bpm.logger.Debug("Page created", zap.Stringer("page_id", newPageID), zap.Int("frame", int(frameID)))
	return newLease(bpm, frame), nil
}

// reclaimFrameLocked picks a victim and writes it back if dirty. On a
// write-back failure the victim keeps its identity and dirty flag, so the
// caller can retry. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) reclaimFrameLocked(ctx context.Context) (FrameID, error) {
	frameID, ok := bpm.pool.Evict()
	if !ok {
		bpm.noFree++
		bpm.metrics.NoFreeBufferCounter.Add(ctx, 1)
		bpm.logger.Warn("Buffer pool exhausted, every frame is pinned", zap.Int("pool_size", bpm.pool.Size()))
		return InvalidFrameID, flushmanager.ErrNoFreeBuffer
	}

	buf := bpm.pool.Frame(frameID).buffer
	victimID := buf.GetPageID()
	if !victimID.IsValid() {
		return frameID, nil
	}
	if buf.IsDirty() {
		bpm.logger.Debug("Flushing dirty victim", zap.Stringer("page_id", victimID), zap.Int("frame", int(frameID)))
		if err := bpm.writeBackLocked(ctx, buf); err != nil {
			bpm.logger.Error("Failed to write back dirty victim",
				zap.Stringer("page_id", victimID), zap.Int("frame", int(frameID)), zap.Error(err))
			return InvalidFrameID, err
		}
	}
	bpm.evictions++
	bpm.metrics.EvictionsCounter.Add(ctx, 1)
	return frameID, nil
}

// writeBackLocked persists buf under its current identity and clears the
// dirty flag. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) writeBackLocked(ctx context.Context, buf *pagemanager.Buffer) error {
	buf.RLock()
	err := bpm.timedIO(ctx, "write", func() error {
		return bpm.diskManager.WritePage(buf.GetPageID(), buf.GetData())
	})
	if err == nil {
		// Cleared under the latch so a concurrent Write re-dirties after us.
		buf.SetDirty(false)
	}
	buf.RUnlock()
	if err != nil {
		return err
	}
	bpm.writeBacks++
	bpm.metrics.WriteBacksCounter.Add(ctx, 1)
	return nil
}

// unloadLocked empties a frame whose content is already durable.
func (bpm *BufferPoolManager) unloadLocked(frame *Frame) {
	if oldID := frame.buffer.GetPageID(); oldID.IsValid() {
		delete(bpm.pageTable, oldID)
	}
	frame.buffer.Assign(pagemanager.InvalidPageID, true, false)
	frame.usageCount = 0
}

// FlushPage writes pageID to disk if it is cached and dirty.
func (bpm *BufferPoolManager) FlushPage(ctx context.Context, pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return flushmanager.ErrClosed
	}
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %s", flushmanager.ErrPageNotFound, pageID)
	}
	buf := bpm.pool.Frame(frameID).buffer
	if !buf.IsDirty() {
		bpm.logger.Debug("Page is clean, no flush needed", zap.Stringer("page_id", pageID))
		return nil
	}
	return bpm.writeBackLocked(ctx, buf)
}

// FlushAllPages writes every dirty cached page and syncs the disk store.
// It keeps going after a failure and returns the first error.
func (bpm *BufferPoolManager) FlushAllPages(ctx context.Context) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return flushmanager.ErrClosed
	}
	return bpm.flushAllLocked(ctx)
}

func (bpm *BufferPoolManager) flushAllLocked(ctx context.Context) error {
	var firstErr error
	flushed := 0
	for i := 0; i < bpm.pool.Size(); i++ {
		buf := bpm.pool.Frame(FrameID(i)).buffer
		if !buf.GetPageID().IsValid() || !buf.IsDirty() {
			continue
		}
		if err := bpm.writeBackLocked(ctx, buf); err != nil {
			bpm.logger.Error("Failed to flush page", zap.Stringer("page_id", buf.GetPageID()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flushed++
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	bpm.logger.Debug("Finished FlushAllPages", zap.Int("flushed", flushed))
	return firstErr
}

// Checkpoint flushes every dirty page and runs fn while no write-back can
// reach the disk store, so fn sees a consistent heap. Fetches and creates
// block until fn returns; leases already held keep working in memory.
func (bpm *BufferPoolManager) Checkpoint(ctx context.Context, fn func(ctx context.Context) error) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return flushmanager.ErrClosed
	}
	if err := bpm.flushAllLocked(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Close flushes every dirty page. Later calls on the manager fail with
// ErrClosed. The disk store is not closed.
func (bpm *BufferPoolManager) Close(ctx context.Context) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil
	}
	if err := bpm.flushAllLocked(ctx); err != nil {
		return err
	}
	bpm.closed = true
	bpm.logger.Info("BufferPoolManager closed")
	return nil
}

// Stats reports the current occupancy and lifetime counters.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := Stats{
		PoolSize:     bpm.pool.Size(),
		CachedPages:  len(bpm.pageTable),
		Hits:         bpm.hits,
		Misses:       bpm.misses,
		PagesCreated: bpm.created,
		Evictions:    bpm.evictions,
		WriteBacks:   bpm.writeBacks,
		NoFreeBuffer: bpm.noFree,
	}
	for _, frame := range bpm.pool.frames {
		if frame.IsPinned() {
			s.PinnedFrames++
		}
		if frame.buffer.GetPageID().IsValid() && frame.buffer.IsDirty() {
			s.DirtyFrames++
		}
	}
	return s
}

func (bpm *BufferPoolManager) timedIO(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	bpm.metrics.DiskLatencyHistogram.Record(ctx, time.Since(start).Microseconds(),
		metric.WithAttributes(attribute.String("op", op), attribute.Bool("error", err != nil)))
	if err != nil && !errors.Is(err, flushmanager.ErrIO) {
		err = fmt.Errorf("%w: %s: %w", flushmanager.ErrIO, op, err)
	}
	return err
}

func (bpm *BufferPoolManager) leaseIssued() {
	bpm.metrics.LeasesUpDownCounter.Add(context.Background(), 1)
}

func (bpm *BufferPoolManager) leaseReleased() {
	bpm.metrics.LeasesUpDownCounter.Add(context.Background(), -1)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()
}
