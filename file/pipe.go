package file

import (
	"context"
	"errors"
	"sync"

	"github.com/romshark/rvkern/kernel"
)

// PipeSize is the capacity of a pipe's ring buffer.
const PipeSize = 512

var ErrBrokenPipe = errors.New("write to pipe with no readers")

// Pipe is a bounded byte channel between a read handle and a write handle.
type Pipe struct {
	mu        sync.Mutex
	cond      *sync.Cond
	data      [PipeSize]byte
	nread     uint
	nwrite    uint
	readOpen  bool
	writeOpen bool
}

// OpenPipe allocates a pipe and its read and write handles.
func (t *Table) OpenPipe() (r, w *File, err error) {
	if r, err = t.Alloc(); err != nil {
		return nil, nil, err
	}
	if w, err = t.Alloc(); err != nil {
		t.Close(r)
		return nil, nil, err
	}
	p := &Pipe{readOpen: true, writeOpen: true}
	p.cond = sync.NewCond(&p.mu)
	r.setPipe(p, false)
	w.setPipe(p, true)
	return r, w, nil
}

func (p *Pipe) close(writable bool) {
	p.mu.Lock()
	if writable {
		p.writeOpen = false
	} else {
		p.readOpen = false
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipe) write(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := 0
	for i < len(b) {
		if !p.readOpen {
			return i, ErrBrokenPipe
		}
		if p.nwrite == p.nread+PipeSize {
			p.cond.Broadcast()
			if err := kernel.Sleep(ctx, p.cond); err != nil {
				return i, err
			}
			continue
		}
		p.data[p.nwrite%PipeSize] = b[i]
		p.nwrite++
		i++
	}
	p.cond.Broadcast()
	return i, nil
}

func (p *Pipe) read(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.nread == p.nwrite && p.writeOpen {
		if err := kernel.Sleep(ctx, p.cond); err != nil {
			return 0, err
		}
	}
	i := 0
	for ; i < len(b) && p.nread != p.nwrite; i++ {
		b[i] = p.data[p.nread%PipeSize]
		p.nread++
	}
	p.cond.Broadcast()
	return i, nil
}
