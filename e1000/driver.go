// Package e1000 drives an Intel 82540EM-compatible network controller
// through descriptor rings placed in physical memory.
package e1000

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-hclog"

	"github.com/romshark/rvkern/kalloc"
	"github.com/romshark/rvkern/kernel"
	"github.com/romshark/rvkern/mbuf"
)

// MaxFrameSize is the largest frame the driver transmits, excluding FCS.
const MaxFrameSize = 1514

// DefaultMAC is the address qemu assigns to the first NIC.
var DefaultMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

var (
	ErrRingFull      = errors.New("transmit ring full")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrInvalidMAC    = errors.New("invalid MAC address")
	ErrClosed        = errors.New("driver closed")
)

var errRingLayout = &kernel.Error{Module: "e1000", Message: "descriptor ring not 16-byte aligned or not a multiple of 128 bytes"}

// Dispatcher takes ownership of one received frame.
type Dispatcher func(m *mbuf.Mbuf)

// Config configures a Driver.
type Config struct {
	Regs     Registers
	Frames   *kalloc.Allocator
	Pool     *mbuf.Pool
	Dispatch Dispatcher

	// MAC is the station address. Defaults to DefaultMAC.
	MAC net.HardwareAddr

	// Logger defaults to a null logger.
	Logger hclog.Logger
}

// ValidateAndSetDefaults checks the configuration and fills in defaults.
func (c *Config) ValidateAndSetDefaults() error {
	var errs []error
	if c.Regs == nil {
		errs = append(errs, errors.New("missing register file"))
	}
	if c.Frames == nil || c.Pool == nil {
		errs = append(errs, errors.New("missing frame allocator or buffer pool"))
	}
	if c.Dispatch == nil {
		errs = append(errs, errors.New("missing dispatcher"))
	}
	if c.MAC == nil {
		c.MAC = DefaultMAC
	}
	if len(c.MAC) != 6 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidMAC, c.MAC))
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return errors.Join(errs...)
}

// Driver owns the device's transmit and receive rings.
//
// The transmit side is guarded by txMu and the receive side by rxMu.
// Receive dispatches frames while holding rxMu, so dispatchers may
// transmit but must not receive. When both are held, rxMu is taken first.
type Driver struct {
	regs     Registers
	frames   *kalloc.Allocator
	pool     *mbuf.Pool
	dispatch Dispatcher
	log      hclog.Logger
	mac      net.HardwareAddr

	ringFrame kalloc.Frame
	tx        *txRing
	rx        *rxRing

	txMu    sync.Mutex
	txMbufs [RingSize]*mbuf.Mbuf

	rxMu    sync.Mutex
	rxMbufs [RingSize]*mbuf.Mbuf

	// closed is written with both locks held and read with either.
	closed bool

	counters counters
}

// New resets the device and brings it up: transmit ring empty, receive
// ring fully stocked with buffers, station address programmed, and the
// receive interrupt enabled.
func New(conf Config) (*Driver, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating e1000 config: %w", err)
	}
	ringFrame, err := conf.Frames.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating descriptor rings: %w", err)
	}
	page := conf.Frames.Page(ringFrame)
	clear(page)

	d := &Driver{
		regs:      conf.Regs,
		frames:    conf.Frames,
		pool:      conf.Pool,
		dispatch:  conf.Dispatch,
		log:       conf.Logger,
		mac:       conf.MAC,
		ringFrame: ringFrame,
		tx:        (*txRing)(unsafe.Pointer(&page[0])),
		rx:        (*rxRing)(unsafe.Pointer(&page[txRingBytes])),
	}

	txBase := ringFrame.Address()
	rxBase := txBase + uintptr(txRingBytes)
	if txBase%16 != 0 || rxBase%16 != 0 || txRingBytes%128 != 0 || rxRingBytes%128 != 0 {
		kernel.Panic(errRingLayout)
	}

	// Stock the receive ring before touching the device.
	for i := range d.rx {
		m, err := d.pool.Alloc(0)
		if err != nil {
			d.releaseBuffers()
			return nil, fmt.Errorf("stocking receive ring: %w", err)
		}
		d.rxMbufs[i] = m
		d.rx[i].Addr = uint64(m.Addr())
	}
	for i := range d.tx {
		d.tx[i].Status = TxStatDD
	}

	r := d.regs

	// Reset with interrupts masked.
	r.Store(RegIMS, 0)
	r.Store(RegCTL, r.Load(RegCTL)|CTLRST)
	r.Store(RegIMS, 0)

	// Transmit ring.
	r.Store(RegTDBAL, uint32(txBase))
	r.Store(RegTDBAH, uint32(uint64(txBase)>>32))
	r.Store(RegTDLEN, uint32(txRingBytes))
	r.Store(RegTDH, 0)
	r.Store(RegTDT, 0)

	// Receive ring.
	r.Store(RegRDBAL, uint32(rxBase))
	r.Store(RegRDBAH, uint32(uint64(rxBase)>>32))
	r.Store(RegRDH, 0)
	r.Store(RegRDT, RingSize-1)
	r.Store(RegRDLEN, uint32(rxRingBytes))

	// Station address filter and an empty multicast table.
	mac := d.mac
	r.Store(RegRA, uint32(mac[0])|uint32(mac[1])<<8|uint32(mac[2])<<16|uint32(mac[3])<<24)
	r.Store(RegRA+1, uint32(mac[4])|uint32(mac[5])<<8|RAAV)
	for i := 0; i < MTASize; i++ {
		r.Store(RegMTA+i, 0)
	}

	r.Store(RegTCTL, TCTLEN|TCTLPSP|0x10<<TCTLCTShift|0x40<<TCTLCOLDShift)
	r.Store(RegTIPG, 10|8<<10|6<<20)
	r.Store(RegRCTL, RCTLEN|RCTLBAM|RCTLSZ2048|RCTLSECRC)

	// Interrupt on every received packet.
	r.Store(RegRDTR, 0)
	r.Store(RegRADV, 0)
	r.Store(RegIMS, ICRRXDW)

	d.log.Info("initialized", "mac", mac.String(),
		"tx_ring", hclog.Fmt("%#x", txBase), "rx_ring", hclog.Fmt("%#x", rxBase))
	return d, nil
}

// MAC returns the station address.
func (d *Driver) MAC() net.HardwareAddr { return d.mac }

// Transmit hands m to the device. On success the driver owns m and frees
// it once the device is done with it; on error the caller keeps it.
func (d *Driver) Transmit(m *mbuf.Mbuf) error {
	if m.Len() > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, m.Len())
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.syncTxHead()
	idx := d.regs.Load(RegTDT) % RingSize
	desc := &d.tx[idx]
	if desc.Status&TxStatDD == 0 {
		d.counters.add(TxBusy, 1)
		return ErrRingFull
	}
	if prev := d.txMbufs[idx]; prev != nil {
		prev.Free()
	}
	d.txMbufs[idx] = m

	desc.Addr = uint64(m.Addr())
	desc.Length = uint16(m.Len())
	desc.Cmd = TxCmdEOP | TxCmdIFCS | TxCmdRS
	desc.Status = 0

	d.counters.add(TxPackets, 1)
	d.counters.add(TxBytes, uint64(m.Len()))

	// The tail store publishes the descriptor.
	d.regs.Store(RegTDT, (idx+1)%RingSize)
	return nil
}

// Receive drains every completed receive descriptor in ring order,
// dispatching each frame and re-arming its slot with a fresh buffer.
// It returns the number of frames dispatched.
func (d *Driver) Receive() int {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	if d.closed {
		return 0
	}

	n := 0
	for {
		idx := (d.regs.Load(RegRDT) + 1) % RingSize
		desc := &d.rx[idx]
		if desc.Status&RxStatDD == 0 {
			return n
		}

		m := d.rxMbufs[idx]
		repl, err := d.pool.Alloc(0)
		if err != nil {
			// Keep the slot stocked and lose the frame.
			d.counters.add(RxDropped, 1)
			d.log.Warn("dropping frame", "slot", idx, "error", err)
			m.Reset(0)
		} else {
			m.Put(int(desc.Length))
			d.rxMbufs[idx] = repl
			d.counters.add(RxPackets, 1)
			d.counters.add(RxBytes, uint64(desc.Length))
		}

		desc.Addr = uint64(d.rxMbufs[idx].Addr())
		desc.Length = 0
		desc.Status = 0
		d.regs.Store(RegRDT, idx)

		if err == nil {
			d.dispatch(m)
			n++
		}
	}
}

// HandleInterrupt services a device interrupt: it drains the receive ring
// and then acknowledges the interrupt by reading the cause register.
func (d *Driver) HandleInterrupt() {
	d.Receive()
	d.counters.add(Interrupts, 1)
	_ = d.regs.Load(RegICR)
}

// Run services interrupts arriving on irq until ctx is cancelled.
func (d *Driver) Run(ctx context.Context, irq <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-irq:
			if !ok {
				return nil
			}
			d.HandleInterrupt()
		}
	}
}

// syncTxHead reads the head register the device writes back after
// completing descriptors, so the done bits read next are at least as new.
func (d *Driver) syncTxHead() { d.regs.Load(RegTDH) }

// Close masks interrupts, disables the rings and releases every buffer and
// the ring memory. Afterwards Receive does nothing and Transmit fails with
// ErrClosed. Closing twice is a no-op.
func (d *Driver) Close() error {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	d.regs.Store(RegIMC, ^uint32(0))
	d.regs.Store(RegIMS, 0)
	d.regs.Store(RegRCTL, 0)
	d.regs.Store(RegTCTL, 0)

	d.releaseBuffers()
	d.tx, d.rx = nil, nil
	return nil
}

func (d *Driver) releaseBuffers() {
	for i, m := range d.rxMbufs {
		if m != nil {
			m.Free()
			d.rxMbufs[i] = nil
		}
	}
	for i, m := range d.txMbufs {
		if m != nil {
			m.Free()
			d.txMbufs[i] = nil
		}
	}
	if d.ringFrame != 0 {
		d.frames.Release(d.ringFrame)
		d.ringFrame = 0
	}
}
