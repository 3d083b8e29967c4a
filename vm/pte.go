// Package vm resolves user page faults: it loads file-backed pages on first
// touch and breaks copy-on-write sharing, and provides a reference address
// space with mmap, munmap and fork.
package vm

import "github.com/romshark/rvkern/kalloc"

// PageSize is the size of a virtual page.
const PageSize = kalloc.PageSize

// PTE is a Sv39 leaf page-table entry.
type PTE uint64

const (
	FlagValid PTE = 1 << 0
	FlagRead  PTE = 1 << 1
	FlagWrite PTE = 1 << 2
	FlagExec  PTE = 1 << 3
	FlagUser  PTE = 1 << 4

	// FlagCOW marks a page shared copy-on-write. It uses one of the bits
	// reserved for software.
	FlagCOW PTE = 1 << 8

	flagMask PTE = 0x3ff
)

// MakePTE builds an entry mapping physical address pa with flags.
func MakePTE(pa uintptr, flags PTE) PTE {
	return PTE(pa>>kalloc.PageShift)<<10 | flags&flagMask
}

// Address returns the physical address the entry maps.
func (e PTE) Address() uintptr { return uintptr(e>>10) << kalloc.PageShift }

// Flags returns the flag bits of the entry.
func (e PTE) Flags() PTE { return e & flagMask }

// Valid reports whether the entry maps a page.
func (e PTE) Valid() bool { return e&FlagValid != 0 }

// PageRoundDown returns the start of the page containing va.
func PageRoundDown(va uintptr) uintptr { return va &^ (PageSize - 1) }

// PageRoundUp rounds n up to a page boundary.
func PageRoundUp(n uintptr) uintptr { return (n + PageSize - 1) &^ (PageSize - 1) }
