// Package connection pools gRPC client connections to page cache servers.
// A single ClientConn multiplexes streams, but load drivers open several to
// spread work over multiple HTTP/2 transports.
package connection

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection: pool closed")

// Factory dials a new connection to address.
type Factory func(address string) (*grpc.ClientConn, error)

// PooledConn is a wrapper around grpc.ClientConn that includes a reference
// to the pool it belongs to. This allows for easy connection releasing.
type PooledConn struct {
	*grpc.ClientConn
	pool *addressPool
}

// Release returns the connection to the pool. It doesn't close the
// underlying connection. To force-close, use ForceClose().
func (c *PooledConn) Release() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already released or detached from pool")
	}
	c.pool.put(c.ClientConn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying connection and frees its slot for the
// next caller of Get.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.discard()
		c.pool = nil
	}
	return c.ClientConn.Close()
}

// addressPool manages the connections for a single remote address.
type addressPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*grpc.ClientConn
	factory  func() (*grpc.ClientConn, error)
	maxSize  int
	numConns int
	closed   bool
}

func newAddressPool(maxSize int, factory func() (*grpc.ClientConn, error)) *addressPool {
	p := &addressPool{factory: factory, maxSize: maxSize}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// PoolManager manages one addressPool per remote address.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*addressPool
	maxSize int
	factory Factory
	closed  bool
}

// NewPoolManager creates a manager that keeps at most maxSize open
// connections per address.
func NewPoolManager(maxSize int, factory Factory) *PoolManager {
	if maxSize < 1 {
		maxSize = 1
	}
	return &PoolManager{
		pools:   make(map[string]*addressPool),
		maxSize: maxSize,
		factory: factory,
	}
}

// Get retrieves a connection for address, dialing one if the pool is below
// its limit and blocking for a released one otherwise.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if !ok {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		// Double-check after acquiring write lock
		pool, ok = m.pools[address]
		if !ok {
			pool = newAddressPool(m.maxSize, func() (*grpc.ClientConn, error) { return m.factory(address) })
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{ClientConn: conn, pool: pool}, nil
}

// Size reports how many connections are open for address.
func (m *PoolManager) Size(address string) int {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.numConns
}

// get hands out an idle connection, dials one while below the limit, or
// waits until a connection is returned or a slot is freed.
func (p *addressPool) get() (*grpc.ClientConn, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return conn, nil
		}
		if p.numConns < p.maxSize {
			break
		}
		p.cond.Wait()
	}
	p.numConns++
	p.mu.Unlock()

	conn, err := p.factory()
	if err != nil {
		p.discard()
		return nil, err
	}
	return conn, nil
}

func (p *addressPool) put(conn *grpc.ClientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		p.numConns--
		return
	}
	p.idle = append(p.idle, conn)
	p.cond.Signal()
}

// discard frees the slot of a connection that is gone.
func (p *addressPool) discard() {
	p.mu.Lock()
	p.numConns--
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *addressPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, conn := range p.idle {
		conn.Close()
		p.numConns--
	}
	p.idle = nil
	p.cond.Broadcast()
}

// Close closes every idle connection. Connections still held are closed
// when released.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, pool := range m.pools {
		pool.close()
	}
}
