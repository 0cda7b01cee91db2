package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// ErrIO wraps every failure of the backing heap file.
	ErrIO = errors.New("i/o error")
	// ErrNoFreeBuffer means every frame is pinned. Release leases and retry.
	ErrNoFreeBuffer  = errors.New("no free buffer available in buffer pool")
	ErrPageNotFound  = errors.New("page not found in buffer pool")
	ErrInvalidPageID = errors.New("invalid page id")
	ErrBufferSize    = errors.New("page buffer size mismatch")
	ErrClosed        = errors.New("buffer pool manager is closed")
	ErrFileClosed    = errors.New("heap file is not open")
)
