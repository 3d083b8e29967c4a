// Package sim models an e1000 controller in software: a register file,
// descriptor DMA against kalloc.Memory and interrupt delivery on a channel.
package sim

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/romshark/rvkern/e1000"
	"github.com/romshark/rvkern/kalloc"
	"github.com/romshark/rvkern/ratelimit"
)

// BufferSize is the receive buffer size the model assumes, matching the
// RCTL buffer-size setting the driver programs.
const BufferSize = 2048

// Device is a simulated controller. It implements e1000.Registers.
type Device struct {
	regs e1000.MMIO
	mem  *kalloc.Memory
	irq  chan struct{}

	// mu serializes DMA so device-side operations never interleave.
	mu sync.Mutex
	// txPending counts descriptors posted by tail writes and not yet sent,
	// so a ring the driver filled completely is not mistaken for an empty
	// one.
	txPending uint32
	loopback  bool
	resets    atomic.Int64
	dropped   atomic.Uint64
}

// Option configures a Device.
type Option func(*Device)

// WithLoopback feeds every transmitted frame back into the receive ring.
func WithLoopback() Option {
	return func(d *Device) { d.loopback = true }
}

// New returns a powered-off device that performs DMA against mem.
func New(mem *kalloc.Memory, opts ...Option) *Device {
	d := &Device{
		regs: e1000.NewMMIO(),
		mem:  mem,
		irq:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Interrupts returns the channel the device raises interrupts on.
func (d *Device) Interrupts() <-chan struct{} { return d.irq }

// Load reads a register. Reading ICR clears it.
func (d *Device) Load(reg int) uint32 {
	if reg == e1000.RegICR {
		return atomic.SwapUint32(&d.regs[reg], 0)
	}
	return d.regs.Load(reg)
}

// Store writes a register.
func (d *Device) Store(reg int, val uint32) {
	switch reg {
	case e1000.RegCTL:
		if val&e1000.CTLRST != 0 {
			d.reset()
			val &^= e1000.CTLRST
		}
	case e1000.RegIMC:
		d.regs.Store(e1000.RegIMS, d.regs.Load(e1000.RegIMS)&^val)
		return
	case e1000.RegTDT:
		d.mu.Lock()
		if n := d.ringLen(e1000.RegTDLEN); n > 0 {
			posted := (val%n + n - d.regs.Load(e1000.RegTDT)%n) % n
			d.txPending = min(d.txPending+posted, n)
		}
		d.regs.Store(reg, val)
		d.mu.Unlock()
		return
	}
	d.regs.Store(reg, val)
}

func (d *Device) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.regs {
		d.regs.Store(i, 0)
	}
	d.txPending = 0
	d.resets.Add(1)
}

// Resets returns how often the device was reset.
func (d *Device) Resets() int { return int(d.resets.Load()) }

// Dropped returns the number of frames the device could not deliver.
func (d *Device) Dropped() uint64 { return d.dropped.Load() }

func (d *Device) raise(cause uint32) {
	atomic.OrUint32(&d.regs[e1000.RegICR], cause)
	if d.regs.Load(e1000.RegIMS)&cause == 0 {
		return
	}
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

func (d *Device) ringLen(lenReg int) uint32 {
	return d.regs.Load(lenReg) / uint32(e1000.DescSize)
}

func (d *Device) descAddr(lowReg, highReg int, idx uint32) uintptr {
	base := uint64(d.regs.Load(highReg))<<32 | uint64(d.regs.Load(lowReg))
	return uintptr(base) + uintptr(idx)*uintptr(e1000.DescSize)
}

// Inject delivers frame into the next receive descriptor the device owns
// and raises the receive interrupt. It reports false and counts a drop if
// the receiver is disabled, the ring has no free descriptor or the frame
// does not fit a buffer.
func (d *Device) Inject(frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inject(frame)
}

func (d *Device) inject(frame []byte) bool {
	n := d.ringLen(e1000.RegRDLEN)
	if d.regs.Load(e1000.RegRCTL)&e1000.RCTLEN == 0 || n == 0 || len(frame) > BufferSize {
		d.dropped.Add(1)
		return false
	}
	head, tail := d.regs.Load(e1000.RegRDH), d.regs.Load(e1000.RegRDT)
	if head == tail {
		d.dropped.Add(1)
		return false
	}

	addr := d.descAddr(e1000.RegRDBAL, e1000.RegRDBAH, head)
	desc := e1000.RxDescAt(d.mem.Bytes(addr, e1000.DescSize))
	copy(d.mem.Bytes(uintptr(desc.Addr), len(frame)), frame)
	desc.Length = uint16(len(frame))
	desc.Errors = 0
	desc.Status = e1000.RxStatDD | e1000.RxStatEOP

	d.regs.Store(e1000.RegRDH, (head+1)%n)
	d.raise(e1000.ICRRXDW)
	return true
}

// InjectPaced injects frames at the rate allowed by l until all are sent
// or ctx is done. It returns the number of frames the device accepted.
func (d *Device) InjectPaced(ctx context.Context, l *ratelimit.Throttle, frames [][]byte) (int, error) {
	accepted := 0
	for _, f := range frames {
		if err := l.Wait(ctx, 1); err != nil {
			return accepted, err
		}
		if d.Inject(f) {
			accepted++
		}
	}
	return accepted, nil
}

// CompleteTx transmits up to limit posted descriptors (all of them if
// limit <= 0), setting the done bit of each that asked for status, and
// returns copies of the transmitted frames in ring order.
func (d *Device) CompleteTx(limit int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.ringLen(e1000.RegTDLEN)
	if d.regs.Load(e1000.RegTCTL)&e1000.TCTLEN == 0 || n == 0 {
		return nil
	}

	var out [][]byte
	head := d.regs.Load(e1000.RegTDH)
	for d.txPending > 0 && (limit <= 0 || len(out) < limit) {
		addr := d.descAddr(e1000.RegTDBAL, e1000.RegTDBAH, head)
		desc := e1000.TxDescAt(d.mem.Bytes(addr, e1000.DescSize))
		frame := append([]byte(nil), d.mem.Bytes(uintptr(desc.Addr), int(desc.Length))...)
		if desc.Cmd&e1000.TxCmdRS != 0 {
			desc.Status |= e1000.TxStatDD
		}
		head = (head + 1) % n
		d.txPending--
		d.regs.Store(e1000.RegTDH, head)
		out = append(out, frame)
	}
	if len(out) > 0 {
		d.raise(e1000.ICRTXDW)
	}
	if d.loopback {
		for _, f := range out {
			d.inject(f)
		}
	}
	return out
}
