package fs

import (
	"errors"
	"sync"

	"github.com/romshark/rvkern/kernel"
)

var (
	ErrBadOffset    = errors.New("negative file offset")
	ErrFileTooLarge = errors.New("write exceeds maximum file size")
)

var (
	errPutFree  = &kernel.Error{Module: "fs", Message: "put: inode has no references"}
	errPutOutOp = &kernel.Error{Module: "fs", Message: "put outside of transaction"}
)

// MemInode is an inode whose contents live in memory. Writes charge their
// block cost to the owning journal.
type MemInode struct {
	mu      sync.Mutex
	journal *Journal
	data    []byte

	refMu sync.Mutex
	refs  int
}

// NewMemInode returns an inode with one reference holding a copy of data.
func NewMemInode(j *Journal, data []byte) *MemInode {
	return &MemInode{
		journal: j,
		data:    append([]byte(nil), data...),
		refs:    1,
	}
}

func (ip *MemInode) Lock()   { ip.mu.Lock() }
func (ip *MemInode) Unlock() { ip.mu.Unlock() }

func (ip *MemInode) Journal() Journaler { return ip.journal }

// ReadAt copies file contents at off into p. Reading at or past the end of
// the file returns 0 bytes and no error.
func (ip *MemInode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrBadOffset
	}
	if off >= int64(len(ip.data)) {
		return 0, nil
	}
	return copy(p, ip.data[off:]), nil
}

// WriteAt writes p at off, growing the file as needed.
func (ip *MemInode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrBadOffset
	}
	if off+int64(len(p)) > MaxFileSize {
		return 0, ErrFileTooLarge
	}
	if len(p) == 0 {
		return 0, nil
	}
	ip.journal.logWrite(writeCost(off, len(p)))

	end := off + int64(len(p))
	if end > int64(len(ip.data)) {
		ip.data = append(ip.data, make([]byte, end-int64(len(ip.data)))...)
	}
	return copy(ip.data[off:], p), nil
}

// writeCost is the number of log blocks a write of n bytes at off dirties:
// each data block and its bitmap block, plus the inode and indirect block.
func writeCost(off int64, n int) int {
	first := off / BlockSize
	last := (off + int64(n) - 1) / BlockSize
	return int(last-first+1)*2 + 2
}

// Put drops a reference.
func (ip *MemInode) Put() {
	if !ip.journal.inOp() {
		kernel.Panic(errPutOutOp)
		return
	}
	ip.refMu.Lock()
	defer ip.refMu.Unlock()
	if ip.refs < 1 {
		kernel.Panic(errPutFree)
		return
	}
	ip.refs--
}

// Get adds a reference.
func (ip *MemInode) Get() *MemInode {
	ip.refMu.Lock()
	ip.refs++
	ip.refMu.Unlock()
	return ip
}

// Refs returns the number of references.
func (ip *MemInode) Refs() int {
	ip.refMu.Lock()
	defer ip.refMu.Unlock()
	return ip.refs
}

// Size returns the file length.
func (ip *MemInode) Size() int {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return len(ip.data)
}

// Contents returns a copy of the file.
func (ip *MemInode) Contents() []byte {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return append([]byte(nil), ip.data...)
}
