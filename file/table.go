package file

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/romshark/rvkern/fs"
	"github.com/romshark/rvkern/kernel"
)

// DefaultCapacity is the default number of slots in a Table.
const DefaultCapacity = 100

var (
	ErrTableFull   = errors.New("file table full")
	ErrNotReadable = errors.New("file not open for reading")
	ErrNotWritable = errors.New("file not open for writing")
	ErrShortWrite  = errors.New("short write")
)

var (
	errDup     = &kernel.Error{Module: "file", Message: "dup: refcount below 1"}
	errClose   = &kernel.Error{Module: "file", Message: "close: refcount below 1"}
	errBadType = &kernel.Error{Module: "file", Message: "unknown file type"}
)

// Table is the fixed-capacity, system-wide table of open files.
// A single lock guards every slot's reference count.
type Table struct {
	mu    sync.Mutex
	files []File

	devMu sync.RWMutex
	devsw [NDev]Device
}

// NewTable returns a table with capacity slots.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{files: make([]File, capacity)}
}

// Alloc claims a free slot and returns it with one reference and no
// payload.
func (t *Table) Alloc() (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.files {
		if f := &t.files[i]; f.ref == 0 {
			f.ref = 1
			return f, nil
		}
	}
	return nil, ErrTableFull
}

// Dup adds a reference to f and returns it.
func (t *Table) Dup(f *File) *File {
	t.mu.Lock()
	if f.ref < 1 {
		t.mu.Unlock()
		kernel.Panic(errDup)
		return nil
	}
	f.ref++
	t.mu.Unlock()
	return f
}

// Close drops a reference to f. Releasing the last reference tears down
// the payload after the slot has been returned to the table.
func (t *Table) Close(f *File) {
	t.mu.Lock()
	if f.ref < 1 {
		t.mu.Unlock()
		kernel.Panic(errClose)
		return
	}
	f.ref--
	if f.ref > 0 {
		t.mu.Unlock()
		return
	}
	ff := *f
	*f = File{}
	t.mu.Unlock()

	switch ff.typ {
	case TypePipe:
		ff.pipe.close(ff.writable)
	case TypeSocket:
		ff.sock.Close()
	case TypeInode, TypeDevice:
		if ff.ip == nil {
			return
		}
		j := ff.ip.Journal()
		j.BeginOp()
		ff.ip.Put()
		j.EndOp()
	}
}

// InUse returns the number of claimed slots.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.files {
		if t.files[i].ref > 0 {
			n++
		}
	}
	return n
}

// Refs returns the reference count of f.
func (t *Table) Refs(f *File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return f.ref
}

// Read reads from f into p. Inode handles advance the file offset.
func (t *Table) Read(ctx context.Context, f *File, p []byte) (int, error) {
	if !f.readable {
		return 0, ErrNotReadable
	}
	switch f.typ {
	case TypePipe:
		return f.pipe.read(ctx, p)
	case TypeDevice:
		d, err := t.device(f.major)
		if err != nil || d.Read == nil {
			return 0, fmt.Errorf("reading device %d: %w", f.major, ErrNoDevice)
		}
		return d.Read(ctx, p)
	case TypeInode:
		f.ip.Lock()
		n, err := f.ip.ReadAt(p, f.off)
		if n > 0 {
			f.off += int64(n)
		}
		f.ip.Unlock()
		if err != nil {
			return n, fmt.Errorf("reading inode: %w", err)
		}
		return n, nil
	case TypeSocket:
		return f.sock.Read(ctx, p)
	}
	kernel.Panic(errBadType)
	return 0, nil
}

// Write writes p to f. Inode writes are split into chunks that each fit
// one transaction; the first failing chunk stops the write and the bytes
// committed so far are returned.
func (t *Table) Write(ctx context.Context, f *File, p []byte) (int, error) {
	if !f.writable {
		return 0, ErrNotWritable
	}
	switch f.typ {
	case TypePipe:
		return f.pipe.write(ctx, p)
	case TypeDevice:
		d, err := t.device(f.major)
		if err != nil || d.Write == nil {
			return 0, fmt.Errorf("writing device %d: %w", f.major, ErrNoDevice)
		}
		return d.Write(p)
	case TypeInode:
		return writeInode(f.ip, p, &f.off)
	case TypeSocket:
		return f.sock.Write(p)
	}
	kernel.Panic(errBadType)
	return 0, nil
}

// WriteAt writes p at off of an inode handle without moving its offset.
func (t *Table) WriteAt(f *File, p []byte, off int64) (int, error) {
	ip, ok := f.Inode()
	if !ok {
		return 0, fmt.Errorf("write at offset on %s handle: %w", f.typ, ErrNotWritable)
	}
	return writeInode(ip, p, &off)
}

// writeInode writes p at *off in MaxWriteChunk pieces, advancing *off
// under the inode lock after every committed chunk.
func writeInode(ip fs.Inode, p []byte, off *int64) (int, error) {
	j := ip.Journal()
	i := 0
	for i < len(p) {
		n1 := min(len(p)-i, fs.MaxWriteChunk)

		j.BeginOp()
		ip.Lock()
		r, err := ip.WriteAt(p[i:i+n1], *off)
		if r > 0 {
			*off += int64(r)
		}
		ip.Unlock()
		j.EndOp()

		if r > 0 {
			i += r
		}
		if err != nil {
			return i, fmt.Errorf("writing inode: %w", err)
		}
		if r != n1 {
			return i, ErrShortWrite
		}
	}
	return i, nil
}
