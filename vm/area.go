package vm

import "github.com/romshark/rvkern/file"

// Prot is the access requested for a mapping.
type Prot int

const (
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2
)

// MapFlags selects how stores to a mapping reach the backing file.
type MapFlags int

const (
	// MapShared writes modified pages back to the file on unmap.
	MapShared MapFlags = 1 << 0
	// MapPrivate keeps modifications in the address space.
	MapPrivate MapFlags = 1 << 1
)

// Area is a mapped region of a user address space, backed by an open file.
// Offset is the file offset of Start.
type Area struct {
	Start  uintptr
	Length uintptr
	Prot   Prot
	Flags  MapFlags
	File   *file.File
	Offset int64
}

// Contains reports whether va lies inside the area.
func (a *Area) Contains(va uintptr) bool {
	return va >= a.Start && va < a.Start+a.Length
}

// perm returns the page permissions granted by the area's protection.
// Mapped file pages are never executable.
func (a *Area) perm() PTE {
	perm := FlagUser
	if a.Prot&ProtRead != 0 {
		perm |= FlagRead
	}
	if a.Prot&ProtWrite != 0 {
		perm |= FlagWrite
	}
	return perm
}
