package kalloc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/romshark/rvkern/kernel"
)

var (
	ErrOutOfMemory = errors.New("out of physical memory")
	ErrBadRange    = errors.New("managed range outside RAM")
)

var (
	errReleaseAddress = &kernel.Error{Module: "kalloc", Message: "release: address not page-aligned or outside managed range"}
	errReleaseFree    = &kernel.Error{Module: "kalloc", Message: "release: refcount below 1"}
	errPinAddress     = &kernel.Error{Module: "kalloc", Message: "incref: address not page-aligned or outside managed range"}
	errPinFree        = &kernel.Error{Module: "kalloc", Message: "incref: frame is free"}
)

const (
	// Junk written over a frame handed out by Alloc.
	allocJunk = 5
	// Junk written over a frame returned to the pool.
	freeJunk = 1
)

// Allocator hands out page frames from a contiguous range of RAM.
// Every frame carries a reference count: a frame is in the free pool iff
// its count is 0, and it returns to the pool when the count drops to 0.
//
// The pool and the counts are guarded by separate locks.
type Allocator struct {
	mem        *Memory
	start, end Frame

	poolMu sync.Mutex
	free   []Frame

	refMu sync.Mutex
	refs  []int32
}

// NewAllocator creates an allocator managing every whole page in
// [start, end). Both bounds are rounded inward to page boundaries and
// every page starts out free.
func NewAllocator(mem *Memory, start, end uintptr) (*Allocator, error) {
	s := Frame((start + PageSize - 1) &^ (PageSize - 1))
	e := FrameFromAddress(end)
	if s < Frame(mem.Base()) || e > Frame(mem.End()) || e < s {
		return nil, fmt.Errorf("%w: [%#x, %#x) not in [%#x, %#x)",
			ErrBadRange, start, end, mem.Base(), mem.End())
	}
	n := int((e - s) >> PageShift)
	a := &Allocator{
		mem:   mem,
		start: s,
		end:   e,
		free:  make([]Frame, 0, n),
		refs:  make([]int32, n),
	}
	for f := s; f < e; f += PageSize {
		a.refs[a.index(f)] = 1
		a.Release(f)
	}
	return a, nil
}

// Memory returns the RAM the allocator carves frames from.
func (a *Allocator) Memory() *Memory { return a.mem }

func (a *Allocator) index(f Frame) int { return int((f - a.start) >> PageShift) }

func (a *Allocator) managed(f Frame) bool {
	return f.Aligned() && f >= a.start && f < a.end
}

// Alloc removes one frame from the free pool and returns it with a
// reference count of 1. Its contents are filled with junk.
func (a *Allocator) Alloc() (Frame, error) {
	a.poolMu.Lock()
	n := len(a.free)
	if n == 0 {
		a.poolMu.Unlock()
		return 0, ErrOutOfMemory
	}
	f := a.free[n-1]
	a.free = a.free[:n-1]
	a.poolMu.Unlock()

	memset(a.Page(f), allocJunk)

	a.refMu.Lock()
	a.refs[a.index(f)] = 1
	a.refMu.Unlock()
	return f, nil
}

// Release drops one reference to f. When the last reference is dropped the
// frame is filled with junk and returned to the pool. Releasing an address
// the allocator does not manage, or a frame that is already free, is fatal.
func (a *Allocator) Release(f Frame) {
	if !a.managed(f) {
		kernel.Panic(errReleaseAddress)
		return
	}
	idx := a.index(f)

	a.refMu.Lock()
	if a.refs[idx] < 1 {
		a.refMu.Unlock()
		kernel.Panic(errReleaseFree)
		return
	}
	a.refs[idx]--
	refs := a.refs[idx]
	a.refMu.Unlock()

	if refs > 0 {
		return
	}

	memset(a.Page(f), freeJunk)

	a.poolMu.Lock()
	a.free = append(a.free, f)
	a.poolMu.Unlock()
}

// IncRef adds a reference to an allocated frame.
func (a *Allocator) IncRef(f Frame) {
	if !a.managed(f) {
		kernel.Panic(errPinAddress)
		return
	}
	idx := a.index(f)

	a.refMu.Lock()
	if a.refs[idx] < 1 {
		a.refMu.Unlock()
		kernel.Panic(errPinFree)
		return
	}
	a.refs[idx]++
	a.refMu.Unlock()
}

// RefCount returns the current reference count of f, or 0 if f is not
// managed by the allocator.
func (a *Allocator) RefCount(f Frame) int {
	if !a.managed(f) {
		return 0
	}
	a.refMu.Lock()
	defer a.refMu.Unlock()
	return int(a.refs[a.index(f)])
}

// Page returns the contents of frame f.
func (a *Allocator) Page(f Frame) []byte {
	return a.mem.Bytes(uintptr(f), PageSize)
}

// Stats is a point-in-time view of the allocator.
type Stats struct {
	TotalPages int
	FreePages  int
}

// Stats returns the current pool occupancy.
func (a *Allocator) Stats() Stats {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	return Stats{TotalPages: len(a.refs), FreePages: len(a.free)}
}

// Print writes a one-line summary of s to w.
func (s Stats) Print(w io.Writer) error {
	used := s.TotalPages - s.FreePages
	_, err := fmt.Fprintf(w, "frames: %s used / %s total (%s free)\n",
		humanize.IBytes(uint64(used)*PageSize),
		humanize.IBytes(uint64(s.TotalPages)*PageSize),
		humanize.Comma(int64(s.FreePages)),
	)
	return err
}
