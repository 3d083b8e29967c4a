package e1000

import "unsafe"

// RingSize is the number of descriptors in each ring.
const RingSize = 16

// TxDesc is a legacy transmit descriptor [E1000 3.3.3].
type TxDesc struct {
	Addr    uint64
	Length  uint16
	CSO     uint8
	Cmd     uint8
	Status  uint8
	CSS     uint8
	Special uint16
}

// Transmit descriptor command and status bits.
const (
	TxCmdEOP  = 0x01 // end of packet
	TxCmdIFCS = 0x02 // insert FCS
	TxCmdRS   = 0x08 // report status
	TxStatDD  = 0x01 // descriptor done
)

// RxDesc is a legacy receive descriptor [E1000 3.2.3].
type RxDesc struct {
	Addr    uint64
	Length  uint16
	Csum    uint16
	Status  uint8
	Errors  uint8
	Special uint16
}

// Receive descriptor status bits.
const (
	RxStatDD  = 0x01 // descriptor done
	RxStatEOP = 0x02 // end of packet
)

type (
	txRing [RingSize]TxDesc
	rxRing [RingSize]RxDesc
)

const (
	txRingBytes = int(unsafe.Sizeof(txRing{}))
	rxRingBytes = int(unsafe.Sizeof(rxRing{}))

	// DescSize is the size of one descriptor in bytes.
	DescSize = int(unsafe.Sizeof(TxDesc{}))
)

// The device requires ring lengths to be multiples of 128 bytes.
var (
	_ = [1]struct{}{}[txRingBytes%128]
	_ = [1]struct{}{}[rxRingBytes%128]
	_ = [1]struct{}{}[DescSize-16]
	_ = [1]struct{}{}[int(unsafe.Sizeof(RxDesc{}))-16]
)

// TxDescAt returns the transmit descriptor stored at b.
func TxDescAt(b []byte) *TxDesc {
	_ = b[DescSize-1]
	return (*TxDesc)(unsafe.Pointer(&b[0]))
}

// RxDescAt returns the receive descriptor stored at b.
func RxDescAt(b []byte) *RxDesc {
	_ = b[DescSize-1]
	return (*RxDesc)(unsafe.Pointer(&b[0]))
}
