// Package snapshot copies the heap file to a destination at a bounded rate.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
)

// chunkSize: size of each read/write chunk, a whole number of pages.
const chunkSize = 256 * pagemanager.PageSize

// ErrSameFile is returned when the destination is the source file itself.
var ErrSameFile = errors.New("snapshot: destination is the source file")

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// Result describes a finished snapshot.
type Result struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	Bytes    int64         `json:"bytes"`
	SHA256   string        `json:"sha256"`
	Duration time.Duration `json:"duration"`
}

// Copy streams srcPath into dstPath, throttled to rateBytesPerSec (0 means
// unthrottled), and syncs the destination. The caller flushes dirty pages
// first; Copy only sees what is on disk.
func Copy(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, logger *zap.Logger) (Result, error) {
	start := time.Now()
	res := Result{ID: uuid.NewString(), Path: dstPath}
	log := logger.Named("snapshot").With(zap.String("snapshot_id", res.ID))

	src, err := os.Open(srcPath)
	if err != nil {
		return Result{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	same, err := SameFile(srcPath, dstPath)
	if err != nil {
		return Result{}, err
	}
	if same {
		return Result{}, fmt.Errorf("%w: %s", ErrSameFile, dstPath)
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return Result{}, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	sum := sha256.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		n, rerr := src.ReadAt(buf[:chunkSize], res.Bytes)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return Result{}, fmt.Errorf("rate limiter: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return Result{}, fmt.Errorf("write: %w", err)
			}
			sum.Write(buf[:n])
			res.Bytes += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return Result{}, fmt.Errorf("read: %w", rerr)
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	if err := dst.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync: %w", err)
	}

	res.SHA256 = hex.EncodeToString(sum.Sum(nil))
	res.Duration = time.Since(start)
	log.Info("Snapshot written",
		zap.String("src", srcPath),
		zap.String("dst", dstPath),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// SameFile reports whether a and b name the same file, either by absolute
// path or, when both exist, by inode.
func SameFile(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", a, err)
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", b, err)
	}
	if absA == absB {
		return true, nil
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false, nil
	}
	return os.SameFile(infoA, infoB), nil
}
