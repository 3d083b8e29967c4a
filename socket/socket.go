// Package socket implements UDP sockets: a registry keyed by remote
// address, local port and remote port, each socket holding a queue of
// received datagrams that readers block on.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/romshark/rvkern/file"
	"github.com/romshark/rvkern/inet"
	"github.com/romshark/rvkern/kernel"
	"github.com/romshark/rvkern/mbuf"
)

var (
	ErrAddrInUse = errors.New("socket address in use")
	ErrClosed    = errors.New("socket closed")
	ErrFault     = errors.New("payload does not fit a packet buffer")
)

// Key identifies a socket.
type Key struct {
	RemoteAddr netip.Addr
	LocalPort  uint16
	RemotePort uint16
}

func (k Key) String() string {
	return fmt.Sprintf(":%d <-> %s", k.LocalPort, netip.AddrPortFrom(k.RemoteAddr, k.RemotePort))
}

// Transport sends a UDP payload. It owns m from the call on.
type Transport interface {
	TransmitUDP(m *mbuf.Mbuf, raddr netip.Addr, lport, rport uint16) error
}

// Config configures a Registry.
type Config struct {
	Files     *file.Table
	Pool      *mbuf.Pool
	Transport Transport
	Logger    hclog.Logger
}

// ValidateAndSetDefaults checks the configuration and fills in defaults.
func (c *Config) ValidateAndSetDefaults() error {
	var errs []error
	if c.Files == nil {
		errs = append(errs, errors.New("missing file table"))
	}
	if c.Pool == nil {
		errs = append(errs, errors.New("missing buffer pool"))
	}
	if c.Transport == nil {
		errs = append(errs, errors.New("missing transport"))
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return errors.Join(errs...)
}

// Registry holds every open socket.
type Registry struct {
	files *file.Table
	pool  *mbuf.Pool
	tx    Transport
	log   hclog.Logger

	mu    sync.Mutex
	socks map[Key]*Socket

	dropped uint64 // guarded by mu
}

// NewRegistry returns an empty registry.
func NewRegistry(conf Config) (*Registry, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating socket config: %w", err)
	}
	return &Registry{
		files: conf.Files,
		pool:  conf.Pool,
		tx:    conf.Transport,
		log:   conf.Logger,
		socks: make(map[Key]*Socket),
	}, nil
}

// Open creates a socket for the given addressing and a file handle that
// owns it. Closing the handle closes the socket.
func (r *Registry) Open(raddr netip.Addr, lport, rport uint16) (*Socket, *file.File, error) {
	f, err := r.files.Alloc()
	if err != nil {
		return nil, nil, fmt.Errorf("allocating socket handle: %w", err)
	}
	s := &Socket{reg: r, key: Key{raddr, lport, rport}}
	s.cond = sync.NewCond(&s.mu)
	f.SetSocket(s)

	r.mu.Lock()
	if _, ok := r.socks[s.key]; ok {
		r.mu.Unlock()
		r.files.Close(f)
		return nil, nil, fmt.Errorf("%w: %s", ErrAddrInUse, s.key)
	}
	r.socks[s.key] = s
	r.mu.Unlock()

	r.log.Debug("socket opened", "key", s.key)
	return s, f, nil
}

// Lookup returns the open socket with the given key.
func (r *Registry) Lookup(k Key) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.socks[k]
	return s, ok
}

// Len returns the number of open sockets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.socks)
}

// Dropped returns how many datagrams arrived for no socket.
func (r *Registry) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Deliver queues a received datagram on the matching socket and wakes its
// readers. Datagrams for which no socket exists are freed.
func (r *Registry) Deliver(m *mbuf.Mbuf, raddr netip.Addr, lport, rport uint16) {
	k := Key{raddr, lport, rport}

	r.mu.Lock()
	s, ok := r.socks[k]
	if !ok {
		r.dropped++
	}
	r.mu.Unlock()

	if !ok || !s.enqueue(m) {
		r.log.Trace("no socket for datagram", "key", k, "len", m.Len())
		m.Free()
	}
}

// Socket is one UDP socket.
type Socket struct {
	reg *Registry
	key Key

	mu     sync.Mutex
	cond   *sync.Cond
	rxq    mbuf.Queue
	closed bool
}

// Key returns the socket's addressing.
func (s *Socket) Key() Key { return s.key }

// Pending returns the number of queued datagrams.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxq.Len()
}

func (s *Socket) enqueue(m *mbuf.Mbuf) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.rxq.PushTail(m)
	s.cond.Broadcast()
	return true
}

// Read waits for a datagram and copies up to len(p) bytes of it into p.
// The rest of the datagram is discarded. Read returns ctx's error if ctx
// is done while waiting and ErrClosed if the socket is closed.
func (s *Socket) Read(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	for s.rxq.Empty() {
		if s.closed {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		if err := kernel.Sleep(ctx, s.cond); err != nil {
			s.mu.Unlock()
			return 0, err
		}
	}
	m := s.rxq.PopHead()
	s.mu.Unlock()

	n := copy(p, m.Bytes())
	m.Free()
	return n, nil
}

// Write sends p as one datagram.
func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	m, err := s.reg.pool.Alloc(inet.HeaderRoom)
	if err != nil {
		return 0, fmt.Errorf("allocating datagram: %w", err)
	}
	if len(p) > m.Tailroom() {
		m.Free()
		return 0, fmt.Errorf("%w: %d bytes", ErrFault, len(p))
	}
	copy(m.Put(len(p)), p)

	if err := s.reg.tx.TransmitUDP(m, s.key.RemoteAddr, s.key.LocalPort, s.key.RemotePort); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close removes the socket from the registry and frees every queued
// datagram. Blocked readers return ErrClosed.
func (s *Socket) Close() {
	r := s.reg
	r.mu.Lock()
	if r.socks[s.key] == s {
		delete(r.socks, s.key)
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.rxq.FreeAll()
	s.cond.Broadcast()
	s.mu.Unlock()

	r.log.Debug("socket closed", "key", s.key)
}
