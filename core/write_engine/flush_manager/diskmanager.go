package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager persists fixed-size pages in a heap file. The file is a plain
// array of pages indexed by PageID; there is no header.
type DiskManager struct {
	filePath   string
	file       *os.File
	nextPageID uint64 // next id handed out by AllocatePage
	mu         sync.Mutex
	logger     *zap.Logger
}

// OpenDiskManager opens the heap file at filePath, creating it if needed.
func OpenDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening heap file %s: %w", ErrIO, filePath, err)
	}
	dm, err := NewDiskManager(file, logger)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return dm, nil
}

// NewDiskManager wraps an already open heap file. Page ids resume at
// fileSize / PageSize so a reopened store never reissues an id.
func NewDiskManager(file *os.File, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: getting file info: %w", ErrIO, err)
	}
	dm := &DiskManager{
		filePath:   file.Name(),
		file:       file,
		nextPageID: uint64(fi.Size()) / pagemanager.PageSize,
		logger:     logger.Named("disk_manager"),
	}
	dm.logger.Info("Heap file opened",
		zap.String("path", dm.filePath),
		zap.Int64("size", fi.Size()),
		zap.Uint64("next_page_id", dm.nextPageID))
	return dm, nil
}

// AllocatePage hands out a fresh page id. It does not touch the file.
func (dm *DiskManager) AllocatePage() pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	id := pagemanager.PageID(dm.nextPageID)
	dm.nextPageID++
	return id
}

// ReadPage reads a page's data from disk into the provided pageData buffer.
// Reading a region that was never written fails.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileClosed
	}
	if len(pageData) != pagemanager.PageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBufferSize, len(pageData), pagemanager.PageSize)
	}
	offset := int64(pageID) * pagemanager.PageSize
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("%w: reading page %d at offset %d (%d bytes read): %w", ErrIO, pageID, offset, n, err)
	}
	return nil
}

// WritePage writes pageData at pageID's offset, extending the file if needed.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileClosed
	}
	if len(pageData) != pagemanager.PageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBufferSize, len(pageData), pagemanager.PageSize)
	}
	offset := int64(pageID) * pagemanager.PageSize
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %w", ErrIO, pageID, offset, err)
	}
	// No Sync here. BufferPoolManager.FlushAllPages syncs once per flush.
	return nil
}

// NumPages returns the id the next AllocatePage call will return.
func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.nextPageID
}

func (dm *DiskManager) Path() string { return dm.filePath }

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %w", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("Sync on close failed", zap.String("path", dm.filePath), zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
