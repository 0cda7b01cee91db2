package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	bufferpool "github.com/sushant-115/gojodb-pagecache/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-pagecache/pkg/logger"
	"github.com/sushant-115/gojodb-pagecache/pkg/telemetry"
)

var (
	dataDir  = flag.String("dir", "/tmp/gojodb_pagecache", "Directory for the heap file (in-process mode)")
	addr     = flag.String("addr", "", "Drive a running page service at this address instead of an in-process pool")
	conns    = flag.Int("conns", 4, "gRPC connections to open in remote mode")
	pages    = flag.Int("pages", 2000, "Pages to create")
	poolSize = flag.Int("pool_size", 256, "Buffer pool frames (in-process mode)")
	ops      = flag.Int("ops", 50000, "Random page reads")
	workers  = flag.Int("workers", 16, "Concurrent workers")
	opsRate  = flag.Int("rate", 0, "Max operations per second (0 = unlimited)")
	hotRatio = flag.Float64("hot", 0.8, "Fraction of reads that go to the hottest 10% of pages")
)

// errRetry marks a transient pool exhaustion.
var errRetry = errors.New("pool exhausted")

// target is the page store under load.
type target interface {
	// create allocates a page and stamps its own id into the first 8 bytes.
	create(ctx context.Context) (pagemanager.PageID, error)
	// stamp returns the first 8 bytes of the page as an id.
	stamp(ctx context.Context, id pagemanager.PageID) (uint64, error)
	summary(ctx context.Context) (string, error)
	close(ctx context.Context) error
}

func main() {
	flag.Parse()

	ctx := context.Background()
	var (
		t   target
		err error
	)
	if *addr != "" {
		t, err = newRemoteTarget(*addr, *conns)
	} else {
		t, err = newLocalTarget()
	}
	if err != nil {
		log.Fatalf("failed to set up target: %v", err)
	}

	var limiter *rate.Limiter
	if *opsRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(*opsRate), *workers)
	}

	start := time.Now()
	ids := write(ctx, t, limiter)
	writeElapsed := time.Since(start)

	start = time.Now()
	mismatches := read(ctx, t, limiter, ids)
	readElapsed := time.Since(start)

	summary, err := t.summary(ctx)
	if err != nil {
		log.Printf("failed to collect stats: %v", err)
	}
	if err := t.close(ctx); err != nil {
		log.Fatalf("failed to close target: %v", err)
	}

	fmt.Printf("created %s pages in %v (%s ops/s)\n",
		humanize.Comma(int64(len(ids))), writeElapsed.Round(time.Millisecond), perSecond(len(ids), writeElapsed))
	fmt.Printf("read %s pages in %v (%s ops/s), %d mismatches\n",
		humanize.Comma(int64(*ops)), readElapsed.Round(time.Millisecond), perSecond(*ops, readElapsed), mismatches)
	fmt.Println(summary)
}

type localTarget struct {
	dm  *flushmanager.DiskManager
	bpm *bufferpool.BufferPoolManager
}

func newLocalTarget() (*localTarget, error) {
	zlogger, err := logger.New(logger.Config{Level: "error"})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return nil, err
	}
	heapPath := filepath.Join(*dataDir, "heap.db")
	_ = os.Remove(heapPath)

	dm, err := flushmanager.OpenDiskManager(heapPath, zlogger)
	if err != nil {
		return nil, err
	}
	bpm, err := bufferpool.NewBufferPoolManager(*poolSize, dm, zlogger.Named("bufferpool"), telemetry.Noop())
	if err != nil {
		dm.Close()
		return nil, err
	}
	return &localTarget{dm: dm, bpm: bpm}, nil
}

func (l *localTarget) create(ctx context.Context) (pagemanager.PageID, error) {
	lease, err := l.bpm.CreatePage(ctx)
	if errors.Is(err, flushmanager.ErrNoFreeBuffer) {
		return 0, errRetry
	}
	if err != nil {
		return 0, err
	}
	defer lease.Release()
	lease.Write(func(data []byte) {
		binary.LittleEndian.PutUint64(data, uint64(lease.PageID()))
	})
	return lease.PageID(), nil
}

func (l *localTarget) stamp(ctx context.Context, id pagemanager.PageID) (uint64, error) {
	lease, err := l.bpm.FetchPage(ctx, id)
	if errors.Is(err, flushmanager.ErrNoFreeBuffer) {
		return 0, errRetry
	}
	if err != nil {
		return 0, err
	}
	defer lease.Release()
	var got uint64
	lease.Read(func(data []byte) { got = binary.LittleEndian.Uint64(data) })
	return got, nil
}

func (l *localTarget) summary(_ context.Context) (string, error) {
	st := l.bpm.Stats()
	return fmt.Sprintf("pool %d frames over %s heap: hit ratio %.2f%%, %s evictions, %s write-backs, %s exhausted",
		st.PoolSize, humanize.Bytes(l.dm.NumPages()*pagemanager.PageSize), st.HitRatio()*100,
		humanize.Comma(int64(st.Evictions)), humanize.Comma(int64(st.WriteBacks)), humanize.Comma(int64(st.NoFreeBuffer))), nil
}

func (l *localTarget) close(ctx context.Context) error {
	if err := l.bpm.Close(ctx); err != nil {
		return err
	}
	return l.dm.Close()
}

// write creates every page concurrently.
func write(ctx context.Context, t target, limiter *rate.Limiter) []pagemanager.PageID {
	ids := make([]pagemanager.PageID, 0, *pages)
	var (
		mu   sync.Mutex
		next atomic.Int64
	)
	runWorkers(func() {
		for next.Add(1) <= int64(*pages) {
			wait(ctx, limiter)
			id, err := withRetry(func() (pagemanager.PageID, error) { return t.create(ctx) })
			if err != nil {
				log.Println("Create Error:", err)
				continue
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}
	})
	return ids
}

// read fetches random pages, skewed towards a hot set, and checks the stamp.
func read(ctx context.Context, t target, limiter *rate.Limiter, ids []pagemanager.PageID) int64 {
	if len(ids) == 0 {
		return 0
	}
	hot := len(ids) / 10
	if hot == 0 {
		hot = 1
	}
	var next, mismatches atomic.Int64
	runWorkers(func() {
		for next.Add(1) <= int64(*ops) {
			wait(ctx, limiter)
			id := ids[rand.IntN(len(ids))]
			if rand.Float64() < *hotRatio {
				id = ids[rand.IntN(hot)]
			}
			got, err := withRetry(func() (uint64, error) { return t.stamp(ctx, id) })
			if err != nil {
				log.Println("Read Error:", err)
				continue
			}
			if got != uint64(id) {
				mismatches.Add(1)
				log.Printf("MISMATCH: page %d holds stamp %d", id, got)
			}
		}
	})
	return mismatches.Load()
}

func runWorkers(fn func()) {
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	wg.Wait()
}

// withRetry retries pool exhaustion, which happens when workers outnumber
// frames.
func withRetry[T any](fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if !errors.Is(err, errRetry) {
			return v, err
		}
		time.Sleep(time.Millisecond)
	}
}

func wait(ctx context.Context, limiter *rate.Limiter) {
	if limiter == nil {
		return
	}
	if err := limiter.Wait(ctx); err != nil {
		log.Fatalf("rate limiter error: %v", err)
	}
}

func perSecond(n int, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return humanize.Comma(int64(float64(n) / d.Seconds()))
}
