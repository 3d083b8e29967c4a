package fs

import (
	"sync"

	"github.com/romshark/rvkern/kernel"
)

var (
	errOutsideOp = &kernel.Error{Module: "fs", Message: "log write outside of transaction"}
	errTooBig    = &kernel.Error{Module: "fs", Message: "transaction exceeds block budget"}
	errEndOp     = &kernel.Error{Module: "fs", Message: "end op without begin"}
)

// Journal is an in-memory stand-in for the write-ahead log. It admits a new
// operation only if the log could absorb MaxOpBlocks more blocks, and it
// commits when the last outstanding operation ends.
type Journal struct {
	mu          sync.Mutex
	cond        *sync.Cond
	outstanding int
	logged      int
	commits     int
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	j := &Journal{}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// BeginOp starts an operation, waiting while the log is too full to
// guarantee it room.
func (j *Journal) BeginOp() {
	j.mu.Lock()
	for j.logged+(j.outstanding+1)*MaxOpBlocks > LogSize {
		j.cond.Wait()
	}
	j.outstanding++
	j.mu.Unlock()
}

// EndOp finishes an operation and commits if it was the last one.
func (j *Journal) EndOp() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outstanding < 1 {
		kernel.Panic(errEndOp)
		return
	}
	j.outstanding--
	if j.outstanding == 0 {
		j.logged = 0
		j.commits++
	}
	j.cond.Broadcast()
}

// logWrite records that the calling operation dirtied n blocks.
func (j *Journal) logWrite(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outstanding < 1 {
		kernel.Panic(errOutsideOp)
		return
	}
	if n > MaxOpBlocks || j.logged+n > LogSize {
		kernel.Panic(errTooBig)
		return
	}
	j.logged += n
}

// inOp reports whether an operation is in progress.
func (j *Journal) inOp() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outstanding > 0
}

// Commits returns the number of completed commits.
func (j *Journal) Commits() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commits
}
