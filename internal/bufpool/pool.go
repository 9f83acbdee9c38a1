// Package bufpool models hardware-backed buffer pools. Buffers are addressed
// by opaque Mbuf handles (pool id + slot index) rather than Go pointers; every
// removal path must hand the handle back to its owning pool via Free.
package bufpool

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrExhausted    = errors.New("buffer pool exhausted")
	ErrInvalidMbuf  = errors.New("invalid mbuf handle")
	ErrDoubleFree   = errors.New("mbuf already free")
	ErrUnknownPool  = errors.New("unknown buffer pool")
	ErrInvalidParam = errors.New("invalid pool parameter")
)

// Mbuf is an opaque handle to a hardware buffer. The zero value is Nil.
type Mbuf uint64

// Nil is the empty handle.
const Nil Mbuf = 0

// MakeMbuf builds a handle from a pool id and a slot index.
func MakeMbuf(poolID, index uint32) Mbuf {
	return Mbuf(uint64(poolID)<<32 | uint64(index+1))
}

func (m Mbuf) IsNil() bool    { return m == Nil }
func (m Mbuf) PoolID() uint32 { return uint32(uint64(m) >> 32) }
func (m Mbuf) Index() uint32  { return uint32(uint64(m)&0xffffffff) - 1 }

func (m Mbuf) String() string {
	if m.IsNil() {
		return "mbuf(nil)"
	}
	return fmt.Sprintf("mbuf(%d:%d)", m.PoolID(), m.Index())
}

// Releaser returns a buffer to whichever pool owns it.
type Releaser interface {
	Free(m Mbuf) error
}

// Pool is a fixed-capacity set of equally sized blocks.
type Pool struct {
	id        uint32
	blockSize uint64

	mu    sync.Mutex
	free  []uint32
	inUse []bool
	data  [][]byte
}

// NewPool allocates blockNum blocks of blockSize bytes.
func NewPool(id uint32, blockNum int, blockSize uint64) (*Pool, error) {
	if blockNum <= 0 {
		return nil, fmt.Errorf("%w: block num %d", ErrInvalidParam, blockNum)
	}
	p := &Pool{
		id:        id,
		blockSize: blockSize,
		free:      make([]uint32, 0, blockNum),
		inUse:     make([]bool, blockNum),
		data:      make([][]byte, blockNum),
	}
	// pop from the tail so slot 0 is handed out first
	for i := blockNum - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}
	return p, nil
}

func (p *Pool) ID() uint32        { return p.id }
func (p *Pool) BlockSize() uint64 { return p.blockSize }
func (p *Pool) Cap() int          { return len(p.inUse) }

// Alloc takes a free block.
func (p *Pool) Alloc() (Mbuf, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return Nil, ErrExhausted
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[idx] = true
	return MakeMbuf(p.id, idx), nil
}

// Free returns m to the pool. Freeing a handle twice is reported, not ignored.
func (p *Pool) Free(m Mbuf) error {
	if m.IsNil() || m.PoolID() != p.id {
		return fmt.Errorf("%w: %s", ErrInvalidMbuf, m)
	}
	idx := m.Index()
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(idx) >= len(p.inUse) {
		return fmt.Errorf("%w: %s", ErrInvalidMbuf, m)
	}
	if !p.inUse[idx] {
		return fmt.Errorf("%w: %s", ErrDoubleFree, m)
	}
	p.inUse[idx] = false
	p.data[idx] = nil
	p.free = append(p.free, idx)
	return nil
}

// FreeAll reclaims every outstanding block and returns how many were reclaimed.
func (p *Pool) FreeAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i, used := range p.inUse {
		if !used {
			continue
		}
		p.inUse[i] = false
		p.data[i] = nil
		p.free = append(p.free, uint32(i))
		n++
	}
	return n
}

// InUse reports the number of outstanding blocks.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse) - len(p.free)
}

// SetData attaches payload bytes to an allocated block.
func (p *Pool) SetData(m Mbuf, b []byte) error {
	if m.PoolID() != p.id {
		return fmt.Errorf("%w: %s", ErrInvalidMbuf, m)
	}
	idx := m.Index()
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(idx) >= len(p.inUse) || !p.inUse[idx] {
		return fmt.Errorf("%w: %s", ErrInvalidMbuf, m)
	}
	if uint64(len(b)) > p.blockSize && p.blockSize > 0 {
		return fmt.Errorf("%w: payload %d > block %d", ErrInvalidParam, len(b), p.blockSize)
	}
	p.data[idx] = b
	return nil
}

// Data returns the payload attached to m, if any.
func (p *Pool) Data(m Mbuf) []byte {
	if m.PoolID() != p.id {
		return nil
	}
	idx := m.Index()
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(idx) >= len(p.inUse) {
		return nil
	}
	return p.data[idx]
}
