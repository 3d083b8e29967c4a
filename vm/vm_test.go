package vm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/romshark/rvkern/file"
	"github.com/romshark/rvkern/fs"
	"github.com/romshark/rvkern/kalloc"
)

type testEnv struct {
	frames *kalloc.Allocator
	files  *file.Table
	inode  *fs.MemInode
	file   *file.File
	loader *Loader
}

// pattern returns n bytes where each page is filled with its page number
// plus one.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i/PageSize + 1)
	}
	return b
}

func newTestEnv(t *testing.T, pages int, contents []byte, readable, writable bool) *testEnv {
	t.Helper()
	mem, err := kalloc.NewMemory(kalloc.KernBase, pages*PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	frames, err := kalloc.NewAllocator(mem, mem.Base(), mem.End())
	if err != nil {
		t.Fatal(err)
	}
	files := file.NewTable(8)
	ip := fs.NewMemInode(fs.NewJournal(), contents)
	f, err := files.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	f.SetInode(ip, readable, writable)
	return &testEnv{
		frames: frames,
		files:  files,
		inode:  ip,
		file:   f,
		loader: NewLoader(frames, nil),
	}
}

func (e *testEnv) free() int { return e.frames.Stats().FreePages }

func TestHandleFaultLoadsPage(t *testing.T) {
	env := newTestEnv(t, 8, pattern(2*PageSize), true, true)
	s := NewSpace(env.frames, env.files)

	start, err := s.Mmap(2*PageSize, ProtRead|ProtWrite, MapShared, env.file)
	if err != nil {
		t.Fatal(err)
	}
	before := env.free()

	if err := env.loader.HandleFault(s, start+PageSize+123); err != nil {
		t.Fatal(err)
	}
	if got := before - env.free(); got != 1 {
		t.Fatalf("expected one frame consumed; got %d", got)
	}
	e, ok := s.Lookup(start + PageSize)
	if !ok {
		t.Fatal("page not mapped")
	}
	if want := FlagValid | FlagUser | FlagRead | FlagWrite; e.Flags() != want {
		t.Fatalf("expected flags %#x; got %#x", want, e.Flags())
	}
	page, _ := s.Page(start + PageSize)
	if !bytes.Equal(page, bytes.Repeat([]byte{2}, PageSize)) {
		t.Fatal("page contents do not match file offset")
	}
	if _, ok := s.Lookup(start); ok {
		t.Fatal("untouched page was mapped")
	}
}

func TestHandleFaultReadOnly(t *testing.T) {
	env := newTestEnv(t, 8, pattern(PageSize), true, false)
	s := NewSpace(env.frames, env.files)

	start, err := s.Mmap(PageSize, ProtRead, MapPrivate, env.file)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.loader.Trap(s, start, false); err != nil {
		t.Fatal(err)
	}
	e, _ := s.Lookup(start)
	if e&FlagWrite != 0 || e&FlagRead == 0 {
		t.Fatalf("expected read-only user page; got flags %#x", e.Flags())
	}
	if err := env.loader.Trap(s, start, true); !errors.Is(err, ErrProtection) {
		t.Fatalf("expected ErrProtection; got %v", err)
	}
}

func TestHandleFaultErrors(t *testing.T) {
	t.Run("outside any region", func(t *testing.T) {
		env := newTestEnv(t, 4, pattern(PageSize), true, true)
		s := NewSpace(env.frames, env.files)
		before := env.free()
		if err := env.loader.HandleFault(s, 0x1000); !errors.Is(err, ErrRegionNotFound) {
			t.Fatalf("expected ErrRegionNotFound; got %v", err)
		}
		if env.free() != before {
			t.Fatal("frame consumed by failed fault")
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		env := newTestEnv(t, 1, pattern(PageSize), true, true)
		s := NewSpace(env.frames, env.files)
		start, err := s.Mmap(PageSize, ProtRead, MapPrivate, env.file)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.frames.Alloc(); err != nil {
			t.Fatal(err)
		}
		if err := env.loader.HandleFault(s, start); !errors.Is(err, kalloc.ErrOutOfMemory) {
			t.Fatalf("expected kalloc.ErrOutOfMemory; got %v", err)
		}
		if s.Pages() != 0 {
			t.Fatal("mapping installed without a frame")
		}
	})

	t.Run("unsupported backing", func(t *testing.T) {
		env := newTestEnv(t, 4, nil, true, true)
		s := NewSpace(env.frames, env.files)
		pf, _, err := env.files.OpenPipe()
		if err != nil {
			t.Fatal(err)
		}
		start, err := s.Mmap(PageSize, ProtRead, MapPrivate, pf)
		if err != nil {
			t.Fatal(err)
		}
		before := env.free()
		if err := env.loader.HandleFault(s, start); !errors.Is(err, ErrUnsupportedMapping) {
			t.Fatalf("expected ErrUnsupportedMapping; got %v", err)
		}
		if env.free() != before {
			t.Fatal("frame consumed by failed fault")
		}
	})

	t.Run("short backing read", func(t *testing.T) {
		env := newTestEnv(t, 4, pattern(PageSize+10), true, true)
		s := NewSpace(env.frames, env.files)
		start, err := s.Mmap(2*PageSize, ProtRead, MapPrivate, env.file)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.loader.HandleFault(s, start+PageSize); !errors.Is(err, ErrBackingRead) {
			t.Fatalf("expected ErrBackingRead; got %v", err)
		}
	})
}

type failingSpace struct {
	area *Area
}

func (s *failingSpace) FindArea(va uintptr) (*Area, bool) {
	return s.area, s.area.Contains(va)
}

func (s *failingSpace) Map(uintptr, uintptr, PTE) error { return ErrRemap }

func TestHandleFaultMapFailureReleasesFrame(t *testing.T) {
	env := newTestEnv(t, 4, pattern(PageSize), true, true)
	as := &failingSpace{area: &Area{Start: 0x10000, Length: PageSize, Prot: ProtRead, File: env.file}}
	before := env.free()
	if err := env.loader.HandleFault(as, 0x10000); !errors.Is(err, ErrRemap) {
		t.Fatalf("expected ErrRemap; got %v", err)
	}
	if env.free() != before {
		t.Fatal("frame leaked after failed install")
	}
}

func TestMap(t *testing.T) {
	env := newTestEnv(t, 2, nil, true, true)
	s := NewSpace(env.frames, env.files)
	if err := s.Map(0x1000, kalloc.KernBase, FlagRead); err != nil {
		t.Fatal(err)
	}
	if err := s.Map(0x1000, kalloc.KernBase, FlagRead); !errors.Is(err, ErrRemap) {
		t.Fatalf("expected ErrRemap; got %v", err)
	}
	if err := s.Map(0x1001, kalloc.KernBase, FlagRead); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid; got %v", err)
	}
	e, ok := s.Lookup(0x1fff)
	if !ok || e.Address() != kalloc.KernBase {
		t.Fatalf("lookup: %#x, %v", e.Address(), ok)
	}
}

func TestMmapPermissions(t *testing.T) {
	env := newTestEnv(t, 2, nil, true, false)
	s := NewSpace(env.frames, env.files)

	if _, err := s.Mmap(PageSize, ProtRead|ProtWrite, MapShared, env.file); !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission; got %v", err)
	}
	if _, err := s.Mmap(PageSize, ProtRead|ProtWrite, MapPrivate, env.file); err != nil {
		t.Fatalf("private writable mapping of read-only file: %v", err)
	}
	if _, err := s.Mmap(PageSize, ProtRead, MapShared|MapPrivate, env.file); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid; got %v", err)
	}
}

func TestMunmapWritesBackShared(t *testing.T) {
	env := newTestEnv(t, 8, pattern(2*PageSize), true, true)
	s := NewSpace(env.frames, env.files)
	before := env.free()

	start, err := s.Mmap(2*PageSize, ProtRead|ProtWrite, MapShared, env.file)
	if err != nil {
		t.Fatal(err)
	}
	if env.files.Refs(env.file) != 2 {
		t.Fatal("mapping holds no file reference")
	}
	for _, va := range []uintptr{start, start + PageSize} {
		if err := env.loader.Trap(s, va, true); err != nil {
			t.Fatal(err)
		}
	}
	page, _ := s.Page(start + PageSize)
	copy(page, "modified")

	if err := s.Munmap(start, 2*PageSize); err != nil {
		t.Fatal(err)
	}
	if got := env.inode.Contents()[PageSize : PageSize+8]; string(got) != "modified" {
		t.Fatalf("expected write-back; file holds %q", got)
	}
	if env.free() != before {
		t.Fatalf("expected all frames released; %d of %d free", env.free(), before)
	}
	if env.files.Refs(env.file) != 1 {
		t.Fatal("mapping reference to file not dropped")
	}
	if _, ok := s.FindArea(start); ok {
		t.Fatal("area still present")
	}
}

func TestMunmapPrivateDiscards(t *testing.T) {
	env := newTestEnv(t, 8, pattern(PageSize), true, true)
	s := NewSpace(env.frames, env.files)

	start, err := s.Mmap(PageSize, ProtRead|ProtWrite, MapPrivate, env.file)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.loader.Trap(s, start, true); err != nil {
		t.Fatal(err)
	}
	page, _ := s.Page(start)
	copy(page, "scratch")
	if err := s.Munmap(start, PageSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(env.inode.Contents(), pattern(PageSize)) {
		t.Fatal("private mapping modified the file")
	}
}

func TestMunmapPartial(t *testing.T) {
	env := newTestEnv(t, 8, pattern(3*PageSize), true, true)
	s := NewSpace(env.frames, env.files)

	start, err := s.Mmap(3*PageSize, ProtRead, MapPrivate, env.file)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Munmap(start+PageSize, PageSize); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for a hole; got %v", err)
	}
	if err := s.Munmap(start, PageSize); err != nil {
		t.Fatal(err)
	}

	// The remaining area still reads the file at its original offsets.
	if err := env.loader.HandleFault(s, start+PageSize); err != nil {
		t.Fatal(err)
	}
	page, _ := s.Page(start + PageSize)
	if page[0] != 2 {
		t.Fatalf("expected page of file offset %d; got byte %d", PageSize, page[0])
	}
	if err := s.Munmap(start+2*PageSize, PageSize); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if env.files.Refs(env.file) != 1 {
		t.Fatal("file reference leaked")
	}
}

func TestForkCopyOnWrite(t *testing.T) {
	env := newTestEnv(t, 8, pattern(PageSize), true, true)
	parent := NewSpace(env.frames, env.files)
	before := env.free()

	start, err := parent.Mmap(PageSize, ProtRead|ProtWrite, MapPrivate, env.file)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.loader.Trap(parent, start, true); err != nil {
		t.Fatal(err)
	}
	pe, _ := parent.Lookup(start)
	shared := kalloc.Frame(pe.Address())

	child, err := parent.Fork()
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []*Space{parent, child} {
		e, _ := s.Lookup(start)
		if e&FlagCOW == 0 || e&FlagWrite != 0 {
			t.Fatalf("expected read-only copy-on-write entry; got flags %#x", e.Flags())
		}
	}
	if got := env.frames.RefCount(shared); got != 2 {
		t.Fatalf("expected shared refcount 2; got %d", got)
	}

	if err := env.loader.Trap(child, start, true); err != nil {
		t.Fatal(err)
	}
	ce, _ := child.Lookup(start)
	if kalloc.Frame(ce.Address()) == shared {
		t.Fatal("child write did not copy the page")
	}
	if ce&FlagWrite == 0 || ce&FlagCOW != 0 {
		t.Fatalf("expected private writable entry; got flags %#x", ce.Flags())
	}
	cpage, _ := child.Page(start)
	copy(cpage, "child")
	ppage, _ := parent.Page(start)
	if ppage[0] != 1 {
		t.Fatal("child write visible to parent")
	}

	// The parent is now the sole owner and takes the frame over in place.
	if err := env.loader.Trap(parent, start, true); err != nil {
		t.Fatal(err)
	}
	pe, _ = parent.Lookup(start)
	if kalloc.Frame(pe.Address()) != shared || pe&FlagWrite == 0 {
		t.Fatalf("expected in-place upgrade; got %#x flags %#x", pe.Address(), pe.Flags())
	}

	if err := child.Close(); err != nil {
		t.Fatal(err)
	}
	if err := parent.Close(); err != nil {
		t.Fatal(err)
	}
	if env.free() != before {
		t.Fatalf("expected all frames released; %d of %d free", env.free(), before)
	}
}
