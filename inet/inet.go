// Package inet is the protocol layer between the NIC driver and sockets:
// it answers ARP for the local address, demultiplexes IPv4/UDP to sockets
// and frames outgoing datagrams.
package inet

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/hashicorp/go-hclog"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/rvkern/mbuf"
)

// HeaderRoom is the headroom an outgoing UDP payload needs for its
// Ethernet, IPv4 and UDP headers.
const HeaderRoom = header.EthernetMinimumSize + header.IPv4MinimumSize + header.UDPMinimumSize

// DefaultTTL is the time-to-live of outgoing datagrams.
const DefaultTTL = 100

// DefaultAddr is the address qemu's user network assigns the guest.
var DefaultAddr = netip.AddrFrom4([4]byte{10, 0, 2, 15})

var ErrNotIPv4 = errors.New("address is not IPv4")

// Transmitter sends a complete Ethernet frame. On success it owns m.
type Transmitter interface {
	Transmit(m *mbuf.Mbuf) error
}

// Deliverer takes ownership of a UDP payload addressed to a local port.
type Deliverer interface {
	Deliver(m *mbuf.Mbuf, raddr netip.Addr, lport, rport uint16)
}

// Config configures a Stack.
type Config struct {
	MAC    net.HardwareAddr
	Addr   netip.Addr
	Pool   *mbuf.Pool
	Logger hclog.Logger
}

// ValidateAndSetDefaults checks the configuration and fills in defaults.
func (c *Config) ValidateAndSetDefaults() error {
	var errs []error
	if len(c.MAC) != 6 {
		errs = append(errs, fmt.Errorf("invalid MAC address %q", c.MAC))
	}
	if !c.Addr.IsValid() {
		c.Addr = DefaultAddr
	}
	if !c.Addr.Is4() {
		errs = append(errs, fmt.Errorf("%w: %s", ErrNotIPv4, c.Addr))
	}
	if c.Pool == nil {
		errs = append(errs, errors.New("missing buffer pool"))
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return errors.Join(errs...)
}

// Counters of frames the stack discarded, by reason.
type Counters struct {
	NotForUs   uint64
	Malformed  uint64
	Ignored    uint64
	ARPReplies uint64
}

// Stack is the protocol layer of one interface.
type Stack struct {
	mac  net.HardwareAddr
	addr netip.Addr
	pool *mbuf.Pool
	log  hclog.Logger

	nic     Transmitter
	sockets Deliverer

	mu       sync.Mutex
	counters Counters
}

// New returns a stack. It must be attached to a NIC and a socket layer
// before it receives traffic.
func New(conf Config) (*Stack, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating inet config: %w", err)
	}
	return &Stack{
		mac:  conf.MAC,
		addr: conf.Addr,
		pool: conf.Pool,
		log:  conf.Logger,
	}, nil
}

// Attach connects the stack to the NIC below it and the sockets above it.
func (s *Stack) Attach(nic Transmitter, sockets Deliverer) {
	s.nic = nic
	s.sockets = sockets
}

// Addr returns the local IPv4 address.
func (s *Stack) Addr() netip.Addr { return s.addr }

// Counters returns a copy of the discard counters.
func (s *Stack) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

func (s *Stack) drop(m *mbuf.Mbuf, ctr *uint64, reason string) {
	s.mu.Lock()
	*ctr++
	s.mu.Unlock()
	s.log.Trace("dropping frame", "reason", reason, "len", m.Len())
	m.Free()
}

// Receive consumes one inbound Ethernet frame.
func (s *Stack) Receive(m *mbuf.Mbuf) {
	b := m.Pull(header.EthernetMinimumSize)
	if b == nil {
		s.drop(m, &s.counters.Malformed, "short ethernet header")
		return
	}
	switch header.Ethernet(b).Type() {
	case header.IPv4ProtocolNumber:
		s.receiveIPv4(m)
	case header.ARPProtocolNumber:
		s.receiveARP(m)
	default:
		s.drop(m, &s.counters.Ignored, "unsupported ethertype")
	}
}

func (s *Stack) receiveIPv4(m *mbuf.Mbuf) {
	ip := header.IPv4(m.Bytes())
	if !ip.IsValid(len(ip)) || ip.HeaderLength() != header.IPv4MinimumSize {
		s.drop(m, &s.counters.Malformed, "bad ipv4 header")
		return
	}
	if ip.More() || ip.FragmentOffset() != 0 {
		s.drop(m, &s.counters.Ignored, "fragment")
		return
	}
	if ip.TransportProtocol() != header.UDPProtocolNumber {
		s.drop(m, &s.counters.Ignored, "not udp")
		return
	}
	if ip.DestinationAddress() != tcpip.AddrFrom4(s.addr.As4()) {
		s.drop(m, &s.counters.NotForUs, "not our address")
		return
	}
	raddr := netip.AddrFrom4(ip.SourceAddress().As4())

	// Strip link-layer padding, then the IP header.
	m.Trim(m.Len() - int(ip.TotalLength()))
	m.Pull(header.IPv4MinimumSize)

	b := m.Pull(header.UDPMinimumSize)
	if b == nil {
		s.drop(m, &s.counters.Malformed, "short udp header")
		return
	}
	udp := header.UDP(b)
	ulen := int(udp.Length())
	if ulen < header.UDPMinimumSize || ulen-header.UDPMinimumSize > m.Len() {
		s.drop(m, &s.counters.Malformed, "bad udp length")
		return
	}
	m.Trim(m.Len() - (ulen - header.UDPMinimumSize))

	s.sockets.Deliver(m, raddr, udp.DestinationPort(), udp.SourcePort())
}

func (s *Stack) receiveARP(m *mbuf.Mbuf) {
	defer m.Free()

	arp := header.ARP(m.Bytes())
	if !arp.IsValid() || arp.Op() != header.ARPRequest {
		s.mu.Lock()
		s.counters.Ignored++
		s.mu.Unlock()
		return
	}
	local := s.addr.As4()
	if !bytes.Equal(arp.ProtocolAddressTarget(), local[:]) {
		s.mu.Lock()
		s.counters.NotForUs++
		s.mu.Unlock()
		return
	}

	r, err := s.pool.Alloc(header.EthernetMinimumSize)
	if err != nil {
		s.log.Warn("cannot answer arp", "error", err)
		return
	}
	reply := header.ARP(r.Put(header.ARPSize))
	reply.SetIPv4OverEthernet()
	reply.SetOp(header.ARPReply)
	copy(reply.HardwareAddressSender(), s.mac)
	copy(reply.ProtocolAddressSender(), local[:])
	copy(reply.HardwareAddressTarget(), arp.HardwareAddressSender())
	copy(reply.ProtocolAddressTarget(), arp.ProtocolAddressSender())

	dst := net.HardwareAddr(append([]byte(nil), arp.HardwareAddressSender()...))
	if err := s.transmit(r, header.ARPProtocolNumber, dst); err != nil {
		s.log.Warn("arp reply not sent", "error", err)
		return
	}
	s.mu.Lock()
	s.counters.ARPReplies++
	s.mu.Unlock()
}

// TransmitUDP prepends UDP, IPv4 and Ethernet headers to the payload in m
// and hands the frame to the NIC. The stack owns m from the call on: it is
// freed if the NIC refuses it.
func (s *Stack) TransmitUDP(m *mbuf.Mbuf, raddr netip.Addr, lport, rport uint16) error {
	if !raddr.Is4() {
		m.Free()
		return fmt.Errorf("%w: %s", ErrNotIPv4, raddr)
	}

	udp := header.UDP(m.Push(header.UDPMinimumSize))
	udp.Encode(&header.UDPFields{
		SrcPort: lport,
		DstPort: rport,
		Length:  uint16(m.Len()),
	})

	ip := header.IPv4(m.Push(header.IPv4MinimumSize))
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(m.Len()),
		TTL:         DefaultTTL,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(s.addr.As4()),
		DstAddr:     tcpip.AddrFrom4(raddr.As4()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	// No neighbor table: datagrams go to the link broadcast address.
	return s.transmit(m, header.IPv4ProtocolNumber, net.HardwareAddr(header.EthernetBroadcastAddress))
}

func (s *Stack) transmit(m *mbuf.Mbuf, typ tcpip.NetworkProtocolNumber, dst net.HardwareAddr) error {
	eth := header.Ethernet(m.Push(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(s.mac),
		DstAddr: tcpip.LinkAddress(dst),
		Type:    typ,
	})
	if err := s.nic.Transmit(m); err != nil {
		n := m.Len()
		m.Free()
		return fmt.Errorf("transmitting %d-byte frame: %w", n, err)
	}
	return nil
}
