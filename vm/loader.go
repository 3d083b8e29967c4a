package vm

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/romshark/rvkern/kalloc"
)

var (
	ErrRegionNotFound     = errors.New("no mapped region contains address")
	ErrUnsupportedMapping = errors.New("mapping not backed by an inode")
	ErrBackingRead        = errors.New("reading backing file failed")
	ErrProtection         = errors.New("access violates page protection")
)

// AddressSpace is what the loader needs from a process: the mapped areas
// and a page table to install translations into.
type AddressSpace interface {
	FindArea(va uintptr) (*Area, bool)
	Map(va uintptr, pa uintptr, perm PTE) error
}

// Loader services page faults by allocating frames and filling them.
type Loader struct {
	frames *kalloc.Allocator
	log    hclog.Logger
}

// NewLoader returns a loader allocating from frames. A nil logger
// discards output.
func NewLoader(frames *kalloc.Allocator, log hclog.Logger) *Loader {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Loader{frames: frames, log: log}
}

// HandleFault maps the page containing va, which must lie inside one of
// the address space's file-backed areas, and fills it with one page of the
// file read at the page's offset within the area.
//
// If the read fails the page stays mapped with undefined contents; the
// caller must treat the faulting process as unrecoverable.
func (l *Loader) HandleFault(as AddressSpace, va uintptr) error {
	page := PageRoundDown(va)
	a, ok := as.FindArea(page)
	if !ok {
		return errors.Wrapf(ErrRegionNotFound, "fault at %#x", va)
	}
	ip, ok := a.File.Inode()
	if !ok {
		return errors.Wrapf(ErrUnsupportedMapping, "fault at %#x: %s handle", va, a.File.Type())
	}

	f, err := l.frames.Alloc()
	if err != nil {
		return errors.Wrapf(err, "fault at %#x", va)
	}
	buf := l.frames.Page(f)
	clear(buf)

	if err := as.Map(page, f.Address(), a.perm()); err != nil {
		l.frames.Release(f)
		return errors.Wrapf(err, "installing page %#x", page)
	}

	off := a.Offset + int64(page-a.Start)
	ip.Lock()
	n, err := ip.ReadAt(buf, off)
	ip.Unlock()
	if err != nil {
		return errors.Wrapf(ErrBackingRead, "page %#x at file offset %d: %v", page, off, err)
	}
	if n != PageSize {
		return errors.Wrapf(ErrBackingRead, "page %#x at file offset %d: short read of %d bytes", page, off, n)
	}
	l.log.Trace("loaded page", "va", hclog.Fmt("%#x", page), "pa", hclog.Fmt("%#x", f.Address()), "off", off)
	return nil
}

// HandleCOW gives s a private, writable copy of the copy-on-write page
// containing va. The last sharer takes the frame over without copying.
func (l *Loader) HandleCOW(s *Space, va uintptr) error {
	page := PageRoundDown(va)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ptes[page]
	if !ok || !e.Valid() {
		return errors.Wrapf(ErrRegionNotFound, "write fault at %#x", va)
	}
	if e&FlagCOW == 0 {
		return errors.Wrapf(ErrProtection, "write fault at %#x", va)
	}

	flags := e.Flags()&^FlagCOW | FlagWrite
	old := kalloc.Frame(e.Address())
	if l.frames.RefCount(old) == 1 {
		s.ptes[page] = MakePTE(old.Address(), flags)
		return nil
	}

	f, err := l.frames.Alloc()
	if err != nil {
		return errors.Wrapf(err, "copying page %#x", page)
	}
	copy(l.frames.Page(f), l.frames.Page(old))
	s.ptes[page] = MakePTE(f.Address(), flags)
	l.frames.Release(old)
	return nil
}

// Trap dispatches a user page fault on s: writes to copy-on-write pages are
// broken, and accesses to unmapped pages of a mapped area are loaded.
func (l *Loader) Trap(s *Space, va uintptr, write bool) error {
	e, ok := s.Lookup(va)
	switch {
	case !ok:
		return l.HandleFault(s, va)
	case write && e&FlagCOW != 0:
		return l.HandleCOW(s, va)
	case write && e&FlagWrite == 0:
		return errors.Wrapf(ErrProtection, "write fault at %#x", va)
	}
	return nil
}
