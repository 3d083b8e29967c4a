// Package kalloc manages physical RAM: the backing arena and a reference
// counted allocator for its page frames.
package kalloc

import (
	"errors"
	"fmt"
)

const (
	// PageSize is the size of a physical frame in bytes.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// KernBase is where RAM starts in the physical address map.
	KernBase = uintptr(0x80000000)
)

var (
	ErrUnalignedBase = errors.New("memory base not page-aligned")
	ErrEmptyMemory   = errors.New("memory size is zero")
)

// Memory is the physical RAM visible to the kernel. Physical addresses in
// [Base, End) are backed by a single anonymous host mapping.
type Memory struct {
	base uintptr
	mem  []byte
}

// NewMemory maps size bytes of RAM at physical address base.
// size is rounded up to a whole number of pages.
func NewMemory(base uintptr, size int) (*Memory, error) {
	if base%PageSize != 0 {
		return nil, ErrUnalignedBase
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	if size <= 0 {
		return nil, ErrEmptyMemory
	}
	mem, err := mapRAM(size)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of RAM: %w", size, err)
	}
	return &Memory{base: base, mem: mem}, nil
}

// Base returns the first physical address of RAM.
func (m *Memory) Base() uintptr { return m.base }

// End returns the physical address one past the end of RAM.
func (m *Memory) End() uintptr { return m.base + uintptr(len(m.mem)) }

// Size returns the amount of RAM in bytes.
func (m *Memory) Size() int { return len(m.mem) }

// Contains reports whether [pa, pa+n) lies entirely within RAM.
func (m *Memory) Contains(pa uintptr, n int) bool {
	return n >= 0 && pa >= m.base && pa+uintptr(n) <= m.End() && pa+uintptr(n) >= pa
}

// Bytes returns the n bytes of RAM starting at physical address pa.
// The returned slice aliases RAM. Bytes panics if the range is not RAM.
func (m *Memory) Bytes(pa uintptr, n int) []byte {
	if !m.Contains(pa, n) {
		panic(fmt.Sprintf("kalloc: physical range %#x+%d outside RAM", pa, n))
	}
	off := pa - m.base
	return m.mem[off : off+uintptr(n) : off+uintptr(n)]
}

// Close unmaps RAM. Slices previously returned by Bytes must not be used
// afterwards.
func (m *Memory) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unmapRAM(m.mem)
	m.mem = nil
	return err
}
