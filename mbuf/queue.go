package mbuf

// Queue is a FIFO of buffers. It is not safe for concurrent use.
type Queue struct {
	bufs []*Mbuf
}

// PushTail appends m to the queue.
func (q *Queue) PushTail(m *Mbuf) { q.bufs = append(q.bufs, m) }

// PopHead removes and returns the oldest buffer, or nil if q is empty.
func (q *Queue) PopHead() *Mbuf {
	if len(q.bufs) == 0 {
		return nil
	}
	m := q.bufs[0]
	q.bufs[0] = nil
	q.bufs = q.bufs[1:]
	if len(q.bufs) == 0 {
		q.bufs = nil
	}
	return m
}

// Empty reports whether q holds no buffers.
func (q *Queue) Empty() bool { return len(q.bufs) == 0 }

// Len returns the number of queued buffers.
func (q *Queue) Len() int { return len(q.bufs) }

// FreeAll frees every queued buffer and empties q.
func (q *Queue) FreeAll() {
	for m := q.PopHead(); m != nil; m = q.PopHead() {
		m.Free()
	}
}
