// Package mbuf implements packet buffers carved out of physical frames.
package mbuf

import (
	"errors"
	"fmt"

	"github.com/romshark/rvkern/kalloc"
	"github.com/romshark/rvkern/kernel"
)

// Size is the capacity of one packet buffer in bytes.
const Size = 2048

var ErrHeadroom = errors.New("headroom exceeds buffer size")

var (
	errPush   = &kernel.Error{Module: "mbuf", Message: "push: not enough headroom"}
	errPut    = &kernel.Error{Module: "mbuf", Message: "put: not enough tailroom"}
	errFreed  = &kernel.Error{Module: "mbuf", Message: "use of freed buffer"}
	errDouble = &kernel.Error{Module: "mbuf", Message: "free: buffer already freed"}
)

// Pool allocates packet buffers from the frame allocator.
type Pool struct {
	frames *kalloc.Allocator
}

// NewPool returns a pool drawing buffers from frames.
func NewPool(frames *kalloc.Allocator) *Pool {
	return &Pool{frames: frames}
}

// Alloc returns an empty buffer whose data begins headroom bytes into the
// buffer, leaving room for headers to be pushed in front of it.
func (p *Pool) Alloc(headroom int) (*Mbuf, error) {
	if headroom < 0 || headroom > Size {
		return nil, ErrHeadroom
	}
	f, err := p.frames.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating packet buffer: %w", err)
	}
	return &Mbuf{
		pool:  p,
		frame: f,
		buf:   p.frames.Page(f)[:Size:Size],
		head:  headroom,
	}, nil
}

// Mbuf is a packet buffer. The valid data is buf[head:head+len]; bytes
// before head are headroom and bytes after it tailroom.
type Mbuf struct {
	pool  *Pool
	frame kalloc.Frame
	buf   []byte
	head  int
	len   int
}

func (m *Mbuf) live() {
	if m.buf == nil {
		kernel.Panic(errFreed)
	}
}

// Bytes returns the valid data.
func (m *Mbuf) Bytes() []byte {
	m.live()
	return m.buf[m.head : m.head+m.len]
}

// Len returns the number of valid bytes.
func (m *Mbuf) Len() int { return m.len }

// Headroom returns the number of bytes that can still be pushed.
func (m *Mbuf) Headroom() int { return m.head }

// Tailroom returns the number of bytes that can still be appended.
func (m *Mbuf) Tailroom() int { return Size - m.head - m.len }

// Addr returns the physical address of the first valid byte, the address a
// device reads from or writes to.
func (m *Mbuf) Addr() uintptr {
	return m.frame.Address() + uintptr(m.head)
}

// Push prepends n bytes and returns them.
func (m *Mbuf) Push(n int) []byte {
	m.live()
	if n > m.head {
		kernel.Panic(errPush)
		return nil
	}
	m.head -= n
	m.len += n
	return m.buf[m.head : m.head+n]
}

// Pull strips n bytes from the front and returns them, or returns nil if
// fewer than n bytes are valid.
func (m *Mbuf) Pull(n int) []byte {
	m.live()
	if n > m.len {
		return nil
	}
	b := m.buf[m.head : m.head+n]
	m.head += n
	m.len -= n
	return b
}

// Put appends n bytes and returns them.
func (m *Mbuf) Put(n int) []byte {
	m.live()
	if n > m.Tailroom() {
		kernel.Panic(errPut)
		return nil
	}
	b := m.buf[m.head+m.len : m.head+m.len+n]
	m.len += n
	return b
}

// Trim strips n bytes from the tail and returns them, or returns nil if
// fewer than n bytes are valid.
func (m *Mbuf) Trim(n int) []byte {
	m.live()
	if n > m.len {
		return nil
	}
	m.len -= n
	return m.buf[m.head+m.len : m.head+m.len+n]
}

// Reset empties the buffer and restores the given headroom.
func (m *Mbuf) Reset(headroom int) {
	m.live()
	m.head = min(max(headroom, 0), Size)
	m.len = 0
}

// Free returns the buffer's frame to the allocator.
func (m *Mbuf) Free() {
	if m.buf == nil {
		kernel.Panic(errDouble)
		return
	}
	m.buf = nil
	m.pool.frames.Release(m.frame)
}
