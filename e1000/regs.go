package e1000

import "sync/atomic"

// Register indices, in 32-bit words from the start of the register file.
const (
	RegCTL   = 0x00000 / 4 // Device Control
	RegICR   = 0x000C0 / 4 // Interrupt Cause Read
	RegIMS   = 0x000D0 / 4 // Interrupt Mask Set
	RegIMC   = 0x000D8 / 4 // Interrupt Mask Clear
	RegRCTL  = 0x00100 / 4 // RX Control
	RegTCTL  = 0x00400 / 4 // TX Control
	RegTIPG  = 0x00410 / 4 // TX Inter-packet gap
	RegRDBAL = 0x02800 / 4 // RX Descriptor Base Address Low
	RegRDBAH = 0x02804 / 4 // RX Descriptor Base Address High
	RegRDLEN = 0x02808 / 4 // RX Descriptor Length
	RegRDH   = 0x02810 / 4 // RX Descriptor Head
	RegRDT   = 0x02818 / 4 // RX Descriptor Tail
	RegRDTR  = 0x02820 / 4 // RX Delay Timer
	RegRADV  = 0x0282C / 4 // RX Interrupt Absolute Delay Timer
	RegTDBAL = 0x03800 / 4 // TX Descriptor Base Address Low
	RegTDBAH = 0x03804 / 4 // TX Descriptor Base Address High
	RegTDLEN = 0x03808 / 4 // TX Descriptor Length
	RegTDH   = 0x03810 / 4 // TX Descriptor Head
	RegTDT   = 0x03818 / 4 // TX Descriptor Tail
	RegMTA   = 0x05200 / 4 // Multicast Table Array
	RegRA    = 0x05400 / 4 // Receive Address

	// NumRegs covers the register file up to the receive address table.
	NumRegs = RegRA + 32

	// MTASize is the number of words in the multicast table.
	MTASize = 4096 / 32
)

// CTLRST in the Device Control register triggers a full reset.
const CTLRST = 0x00400000

// Transmit Control bits.
const (
	TCTLEN        = 0x00000002
	TCTLPSP       = 0x00000008
	TCTLCTShift   = 4
	TCTLCOLDShift = 12
)

// Receive Control bits.
const (
	RCTLEN     = 0x00000002
	RCTLBAM    = 0x00008000
	RCTLSZ2048 = 0x00000000
	RCTLSECRC  = 0x04000000
)

// Interrupt cause bits.
const (
	ICRTXDW = 0x00000001 // transmit descriptor written back
	ICRRXDW = 0x00000080 // receiver descriptor write back
)

// RAAV marks a receive address entry valid.
const RAAV = 1 << 31

// Registers is a device's memory-mapped register file. Loads and stores
// are ordered with respect to each other and to preceding memory writes.
type Registers interface {
	Load(reg int) uint32
	Store(reg int, val uint32)
}

// MMIO is a register file backed by plain memory.
type MMIO []uint32

// NewMMIO returns a zeroed register file.
func NewMMIO() MMIO { return make(MMIO, NumRegs) }

func (m MMIO) Load(reg int) uint32 { return atomic.LoadUint32(&m[reg]) }

func (m MMIO) Store(reg int, val uint32) { atomic.StoreUint32(&m[reg], val) }
