package socket

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/romshark/rvkern/file"
	"github.com/romshark/rvkern/kalloc"
	"github.com/romshark/rvkern/mbuf"
)

var peer = netip.MustParseAddr("10.0.2.2")

type sent struct {
	payload      string
	raddr        netip.Addr
	lport, rport uint16
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
}

func (tr *fakeTransport) TransmitUDP(m *mbuf.Mbuf, raddr netip.Addr, lport, rport uint16) error {
	tr.mu.Lock()
	tr.sent = append(tr.sent, sent{string(m.Bytes()), raddr, lport, rport})
	tr.mu.Unlock()
	m.Free()
	return nil
}

type testRegistry struct {
	*Registry
	frames *kalloc.Allocator
	pool   *mbuf.Pool
	files  *file.Table
	tx     *fakeTransport
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()
	mem, err := kalloc.NewMemory(kalloc.KernBase, 64*kalloc.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	frames, err := kalloc.NewAllocator(mem, mem.Base(), mem.End())
	if err != nil {
		t.Fatal(err)
	}
	tr := &testRegistry{
		frames: frames,
		pool:   mbuf.NewPool(frames),
		files:  file.NewTable(16),
		tx:     &fakeTransport{},
	}
	tr.Registry, err = NewRegistry(Config{Files: tr.files, Pool: tr.pool, Transport: tr.tx})
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func (tr *testRegistry) deliver(t *testing.T, payload string, raddr netip.Addr, lport, rport uint16) {
	t.Helper()
	m, err := tr.pool.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}
	copy(m.Put(len(payload)), payload)
	tr.Deliver(m, raddr, lport, rport)
}

func (tr *testRegistry) checkNoLeaks(t *testing.T) {
	t.Helper()
	if s := tr.frames.Stats(); s.FreePages != s.TotalPages {
		t.Fatalf("buffers leaked: %+v", s)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewRegistry(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestOpenConflict(t *testing.T) {
	tr := newTestRegistry(t)

	s, f, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type() != file.TypeSocket || s.Key() != (Key{peer, 2000, 25603}) {
		t.Fatalf("unexpected handle %s / key %s", f.Type(), s.Key())
	}

	if _, _, err := tr.Open(peer, 2000, 25603); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("expected ErrAddrInUse; got %v", err)
	}
	if got, ok := tr.Lookup(s.Key()); !ok || got != s {
		t.Fatal("failed open displaced the existing socket")
	}
	if tr.files.InUse() != 1 {
		t.Fatalf("failed open leaked a handle: %d in use", tr.files.InUse())
	}

	// Any differing key component makes a distinct socket.
	for _, k := range []Key{
		{netip.MustParseAddr("10.0.2.3"), 2000, 25603},
		{peer, 2001, 25603},
		{peer, 2000, 25604},
	} {
		if _, _, err := tr.Open(k.RemoteAddr, k.LocalPort, k.RemotePort); err != nil {
			t.Fatalf("open %s: %v", k, err)
		}
	}
	if tr.Len() != 4 {
		t.Fatalf("expected 4 sockets; got %d", tr.Len())
	}
}

func TestOpenTableFull(t *testing.T) {
	tr := newTestRegistry(t)
	for i := 0; i < 16; i++ {
		if _, _, err := tr.Open(peer, uint16(i), 1); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := tr.Open(peer, 100, 1); !errors.Is(err, file.ErrTableFull) {
		t.Fatalf("expected file.ErrTableFull; got %v", err)
	}
}

func TestDeliverAndRead(t *testing.T) {
	tr := newTestRegistry(t)
	s, f, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		tr.deliver(t, fmt.Sprintf("datagram %d", i), peer, 2000, 25603)
	}
	if s.Pending() != 3 {
		t.Fatalf("expected 3 pending; got %d", s.Pending())
	}

	buf := make([]byte, 64)
	for i := 0; i < 3; i++ {
		n, err := tr.files.Read(context.Background(), f, buf)
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("datagram %d", i); string(buf[:n]) != want {
			t.Fatalf("expected %q; got %q", want, buf[:n])
		}
	}

	// A short read truncates and discards the rest of the datagram.
	tr.deliver(t, "truncated", peer, 2000, 25603)
	n, err := s.Read(context.Background(), buf[:5])
	if err != nil || string(buf[:n]) != "trunc" {
		t.Fatalf("expected %q; got %q, %v", "trunc", buf[:n], err)
	}
	if s.Pending() != 0 {
		t.Fatal("remainder of a truncated datagram was kept")
	}

	tr.files.Close(f)
	tr.checkNoLeaks(t)
}

func TestDeliverNoMatch(t *testing.T) {
	tr := newTestRegistry(t)
	if _, _, err := tr.Open(peer, 2000, 25603); err != nil {
		t.Fatal(err)
	}
	tr.deliver(t, "stray", peer, 2000, 9999)
	if tr.Dropped() != 1 {
		t.Fatalf("expected 1 dropped; got %d", tr.Dropped())
	}
	tr.checkNoLeaks(t)
}

func TestReadBlocksUntilDelivery(t *testing.T) {
	tr := newTestRegistry(t)
	s, _, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		data string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := s.Read(context.Background(), buf)
		done <- result{string(buf[:n]), err}
	}()

	select {
	case r := <-done:
		t.Fatalf("read returned early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	tr.deliver(t, "wakeup", peer, 2000, 25603)
	select {
	case r := <-done:
		if r.err != nil || r.data != "wakeup" {
			t.Fatalf("unexpected result %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader never woken")
	}
}

func TestReadCancelled(t *testing.T) {
	tr := newTestRegistry(t)
	s, _, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Read(ctx, make([]byte, 1))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled; got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader not woken by cancellation")
	}
	if s.Pending() != 0 {
		t.Fatal("cancelled read consumed state")
	}
}

func TestClose(t *testing.T) {
	tr := newTestRegistry(t)
	s, f, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}
	tr.deliver(t, "queued", peer, 2000, 25603)
	tr.deliver(t, "queued", peer, 2000, 25603)

	blocked, _, err := tr.Open(peer, 3000, 1)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := blocked.Read(context.Background(), make([]byte, 1))
		done <- err
	}()

	tr.files.Close(f)
	if _, ok := tr.Lookup(s.Key()); ok {
		t.Fatal("closed socket still registered")
	}
	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed; got %v", err)
	}

	// A datagram racing with close finds no socket and is freed.
	tr.deliver(t, "late", peer, 2000, 25603)

	time.Sleep(10 * time.Millisecond)
	blocked.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed; got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked reader not woken by close")
	}
	tr.checkNoLeaks(t)
}

func TestStaleSocketDeliver(t *testing.T) {
	tr := newTestRegistry(t)
	s, _, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	m, err := tr.pool.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}
	if s.enqueue(m) {
		t.Fatal("closed socket accepted a datagram")
	}
	m.Free()

	// Reopening the key yields a new, working socket.
	s2, _, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}
	tr.deliver(t, "fresh", peer, 2000, 25603)
	if s2.Pending() != 1 || s.Pending() != 0 {
		t.Fatal("datagram reached the stale socket")
	}
}

func TestWrite(t *testing.T) {
	tr := newTestRegistry(t)
	s, f, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}

	n, err := tr.files.Write(context.Background(), f, []byte("reply"))
	if err != nil || n != 5 {
		t.Fatalf("write: %d, %v", n, err)
	}
	want := sent{"reply", peer, 2000, 25603}
	if len(tr.tx.sent) != 1 || tr.tx.sent[0] != want {
		t.Fatalf("expected %+v; got %+v", want, tr.tx.sent)
	}

	if _, err := s.Write(make([]byte, mbuf.Size)); !errors.Is(err, ErrFault) {
		t.Fatalf("expected ErrFault; got %v", err)
	}
	tr.checkNoLeaks(t)
}

func TestConcurrentDeliverRead(t *testing.T) {
	const producers, perProducer = 4, 50
	tr := newTestRegistry(t)
	s, _, err := tr.Open(peer, 2000, 25603)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m, err := tr.pool.Alloc(0)
				if err != nil {
					// The pool is smaller than the burst; retry until
					// the reader frees buffers.
					i--
					time.Sleep(time.Millisecond)
					continue
				}
				copy(m.Put(1), "x")
				tr.Deliver(m, peer, 2000, 25603)
			}
		}()
	}

	buf := make([]byte, 4)
	for i := 0; i < producers*perProducer; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n, err := s.Read(ctx, buf)
		cancel()
		if err != nil || n != 1 {
			t.Fatalf("read %d: %d, %v", i, n, err)
		}
	}
	wg.Wait()
	tr.checkNoLeaks(t)
}
