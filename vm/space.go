package vm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/romshark/rvkern/file"
	"github.com/romshark/rvkern/kalloc"
)

// MmapTop is the address below which mmap places areas, growing down.
const MmapTop = uintptr(0x3f_0000_0000)

var (
	ErrRemap      = errors.New("page already mapped")
	ErrInvalid    = errors.New("invalid argument")
	ErrPermission = errors.New("file access mode forbids mapping")
)

// Space is a user address space: a page table from virtual page to PTE and
// the list of mapped areas. The zero value is not usable; see NewSpace.
type Space struct {
	mu     sync.Mutex
	frames *kalloc.Allocator
	files  *file.Table
	ptes   map[uintptr]PTE
	areas  []*Area
	top    uintptr
}

// NewSpace returns an empty address space.
func NewSpace(frames *kalloc.Allocator, files *file.Table) *Space {
	return &Space{
		frames: frames,
		files:  files,
		ptes:   make(map[uintptr]PTE),
		top:    MmapTop,
	}
}

// Map installs a translation of the page at va to physical page pa.
func (s *Space) Map(va, pa uintptr, perm PTE) error {
	if va%PageSize != 0 || pa%PageSize != 0 {
		return errors.Wrapf(ErrInvalid, "map %#x -> %#x: unaligned", va, pa)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.ptes[va]; ok && e.Valid() {
		return errors.Wrapf(ErrRemap, "map %#x", va)
	}
	s.ptes[va] = MakePTE(pa, perm|FlagValid)
	return nil
}

// Lookup returns the entry mapping the page containing va.
func (s *Space) Lookup(va uintptr) (PTE, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ptes[PageRoundDown(va)]
	return e, ok && e.Valid()
}

// Page returns the contents of the physical page mapping va.
func (s *Space) Page(va uintptr) ([]byte, bool) {
	e, ok := s.Lookup(va)
	if !ok {
		return nil, false
	}
	return s.frames.Page(kalloc.Frame(e.Address())), true
}

// Pages returns the number of mapped pages.
func (s *Space) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ptes)
}

// FindArea returns the area containing va.
func (s *Space) FindArea(va uintptr) (*Area, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findArea(va)
}

func (s *Space) findArea(va uintptr) (*Area, bool) {
	for _, a := range s.areas {
		if a.Contains(va) {
			return a, true
		}
	}
	return nil, false
}

// Mmap reserves a new area of length bytes backed by f and returns its
// start address. Pages are loaded lazily by the fault handler. The area
// holds its own reference to f.
func (s *Space) Mmap(length uintptr, prot Prot, flags MapFlags, f *file.File) (uintptr, error) {
	if length == 0 || f == nil || (flags&MapShared == 0) == (flags&MapPrivate == 0) {
		return 0, ErrInvalid
	}
	if prot&ProtRead != 0 && !f.Readable() {
		return 0, errors.Wrap(ErrPermission, "read mapping of write-only file")
	}
	if prot&ProtWrite != 0 && flags&MapShared != 0 && !f.Writable() {
		return 0, errors.Wrap(ErrPermission, "shared write mapping of read-only file")
	}
	length = PageRoundUp(length)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.top -= length
	a := &Area{
		Start:  s.top,
		Length: length,
		Prot:   prot,
		Flags:  flags,
		File:   s.files.Dup(f),
	}
	s.areas = append(s.areas, a)
	return a.Start, nil
}

// Munmap removes [va, va+length) from the area containing va. The range
// must cover the start or the end of the area. Pages of shared writable
// mappings are written back to the file first.
func (s *Space) Munmap(va, length uintptr) error {
	if va%PageSize != 0 || length == 0 {
		return ErrInvalid
	}
	length = PageRoundUp(length)

	s.mu.Lock()
	a, ok := s.findArea(va)
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrRegionNotFound, "munmap %#x", va)
	}
	end := va + length
	if end > a.Start+a.Length || (va != a.Start && end != a.Start+a.Length) {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalid, "munmap [%#x, %#x) punches a hole in [%#x, %#x)",
			va, end, a.Start, a.Start+a.Length)
	}

	type victim struct {
		va uintptr
		f  kalloc.Frame
	}
	var victims []victim
	for p := va; p < end; p += PageSize {
		if e, ok := s.ptes[p]; ok && e.Valid() {
			victims = append(victims, victim{p, kalloc.Frame(e.Address())})
			delete(s.ptes, p)
		}
	}
	// Snapshot what write-back needs before the area is shrunk.
	writeBack := a.Flags&MapShared != 0 && a.Prot&ProtWrite != 0
	areaFile, areaStart, areaOff := a.File, a.Start, a.Offset

	if va == a.Start {
		a.Start += length
		a.Offset += int64(length)
	}
	a.Length -= length
	closeFile := a.Length == 0
	if closeFile {
		s.removeArea(a)
	}
	s.mu.Unlock()

	var werr error
	for _, v := range victims {
		if writeBack && werr == nil {
			off := areaOff + int64(v.va-areaStart)
			if _, err := s.files.WriteAt(areaFile, s.frames.Page(v.f), off); err != nil {
				werr = errors.Wrapf(err, "writing back page %#x", v.va)
			}
		}
		s.frames.Release(v.f)
	}
	if closeFile {
		s.files.Close(areaFile)
	}
	return werr
}

func (s *Space) removeArea(a *Area) {
	for i, x := range s.areas {
		if x == a {
			s.areas = append(s.areas[:i], s.areas[i+1:]...)
			return
		}
	}
}

// Fork returns a copy of s that shares every mapped frame copy-on-write.
// Writable pages become read-only and marked in both spaces.
func (s *Space) Fork() (*Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := NewSpace(s.frames, s.files)
	child.top = s.top
	for va, e := range s.ptes {
		if e&FlagWrite != 0 {
			e = e&^FlagWrite | FlagCOW
			s.ptes[va] = e
		}
		s.frames.IncRef(kalloc.Frame(e.Address()))
		child.ptes[va] = e
	}
	for _, a := range s.areas {
		dup := *a
		dup.File = s.files.Dup(a.File)
		child.areas = append(child.areas, &dup)
	}
	return child, nil
}

// Close unmaps every area, writing back shared pages, and releases every
// remaining page.
func (s *Space) Close() error {
	s.mu.Lock()
	areas := append([]*Area(nil), s.areas...)
	s.mu.Unlock()

	var first error
	for _, a := range areas {
		if err := s.Munmap(a.Start, a.Length); err != nil && first == nil {
			first = err
		}
	}

	s.mu.Lock()
	frames := make([]kalloc.Frame, 0, len(s.ptes))
	for va, e := range s.ptes {
		frames = append(frames, kalloc.Frame(e.Address()))
		delete(s.ptes, va)
	}
	s.mu.Unlock()

	for _, f := range frames {
		s.frames.Release(f)
	}
	return first
}
