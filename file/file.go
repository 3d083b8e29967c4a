// Package file implements the system-wide open-file table and the typed
// handles it hands out: pipes, inodes, devices and sockets.
package file

import (
	"context"

	"github.com/romshark/rvkern/fs"
)

// Type tags the payload of a File.
type Type int

const (
	TypeNone Type = iota
	TypePipe
	TypeInode
	TypeDevice
	TypeSocket
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypePipe:
		return "pipe"
	case TypeInode:
		return "inode"
	case TypeDevice:
		return "device"
	case TypeSocket:
		return "socket"
	}
	return "unknown"
}

// Socket is the payload of a socket handle.
type Socket interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(p []byte) (int, error)
	Close()
}

// File is one open-file handle. ref is guarded by the owning Table's lock.
// The payload is set once by the opener while it holds the only reference;
// off is guarded by the inode lock.
type File struct {
	typ      Type
	ref      int
	readable bool
	writable bool
	pipe     *Pipe
	ip       fs.Inode
	off      int64
	major    int
	sock     Socket
}

func (f *File) Type() Type     { return f.typ }
func (f *File) Readable() bool { return f.readable }
func (f *File) Writable() bool { return f.writable }

// Inode returns the backing inode of an inode handle.
func (f *File) Inode() (fs.Inode, bool) {
	if f.typ != TypeInode {
		return nil, false
	}
	return f.ip, true
}

// SetInode turns a freshly allocated handle into an inode handle that
// owns one reference to ip.
func (f *File) SetInode(ip fs.Inode, readable, writable bool) {
	f.typ, f.ip, f.off = TypeInode, ip, 0
	f.readable, f.writable = readable, writable
}

// SetDevice turns a freshly allocated handle into a device handle.
func (f *File) SetDevice(ip fs.Inode, major int, readable, writable bool) {
	f.typ, f.ip, f.major = TypeDevice, ip, major
	f.readable, f.writable = readable, writable
}

// SetSocket turns a freshly allocated handle into a socket handle.
func (f *File) SetSocket(s Socket) {
	f.typ, f.sock = TypeSocket, s
	f.readable, f.writable = true, true
}

func (f *File) setPipe(p *Pipe, writable bool) {
	f.typ, f.pipe = TypePipe, p
	f.readable, f.writable = !writable, writable
}
