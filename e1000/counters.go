package e1000

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxBusy
	RxPackets
	RxBytes
	RxDropped
	Interrupts

	numCounters
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxBusy:
		return "tx_ring_full"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	case Interrupts:
		return "interrupts"
	}
	return ""
}

type counters [numCounters]atomic.Uint64

func (c *counters) add(ctr Counter, n uint64) { c[ctr].Add(n) }

// Stats holds counter values.
type Stats map[Counter]uint64

// Snapshot returns the current value of every counter.
func (d *Driver) Snapshot() Stats {
	s := make(Stats, numCounters)
	for ctr := Counter(0); ctr < numCounters; ctr++ {
		s[ctr] = d.counters[ctr].Load()
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	diff := make(Stats, len(s))
	for ctr, v := range s {
		diff[ctr] = v - old[ctr]
	}
	return diff
}

// Print writes a human-readable summary of s to w.
func (s Stats) Print(w io.Writer) error {
	rows := []struct {
		name        string
		pkts, bytes uint64
		other       Counter
	}{
		{"TX", s[TxPackets], s[TxBytes], TxBusy},
		{"RX", s[RxPackets], s[RxBytes], RxDropped},
	}
	for _, r := range rows {
		_, err := fmt.Fprintf(w, "  %s   %-12d  ≈ %-8s (%s)  %s=%d\n",
			r.name, r.pkts, humanize.Bytes(r.bytes), humanize.Comma(int64(r.bytes)),
			r.other, s[r.other],
		)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "  IRQ  %s\n", humanize.Comma(int64(s[Interrupts])))
	return err
}
