package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/rvkern/boot"
	"github.com/romshark/rvkern/e1000"
	"github.com/romshark/rvkern/e1000/sim"
	"github.com/romshark/rvkern/fs"
	"github.com/romshark/rvkern/kalloc"
	"github.com/romshark/rvkern/ratelimit"
	"github.com/romshark/rvkern/vm"
)

// peerMAC is the station address of the simulated echo peer.
var peerMAC = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}

func loadConfig() (*boot.Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file (defaults if empty)")
	fMem := flag.String("m", "", "memory size")
	fCount := flag.Uint64("n", 0, "echo count")
	fRate := flag.Uint64("r", 0, "echo rate (frames/s)")
	fPort := flag.Uint("p", 0, "local echo port")
	fLevel := flag.String("v", "", "log level")

	flag.Parse()

	var b []byte
	if *fConfig != "" {
		var err error
		if b, err = os.ReadFile(*fConfig); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	conf, err := boot.DecodeConfig(b)
	if err != nil {
		return nil, err
	}

	// Apply CLI overrides if necessary.
	if *fMem != "" {
		conf.Memory.Size = *fMem
	}
	if *fCount != 0 {
		conf.Echo.Count = *fCount
	}
	if *fRate != 0 {
		conf.Echo.Rate = *fRate
	}
	if *fPort != 0 {
		if *fPort > 0xffff {
			return nil, fmt.Errorf("invalid port %d", *fPort)
		}
		conf.Echo.Port = uint16(*fPort)
	}
	if *fLevel != "" {
		conf.LogLevel = *fLevel
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return conf, nil
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "loading config")

	log := hclog.New(&hclog.LoggerOptions{
		Name:   "kernsim",
		Level:  conf.Level(),
		Output: os.Stderr,
	})
	hclog.SetDefault(log)

	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	var dev *sim.Device
	k, err := boot.Boot(conf, boot.Hardware{
		NIC: func(mem *kalloc.Memory) e1000.Registers {
			dev = sim.New(mem)
			return dev
		},
		Console: os.Stdout,
	}, log)
	fatalIf(err, "booting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- k.NIC.Run(ctx, dev.Interrupts()) }()

	start := time.Now()
	nicStart := k.NIC.Snapshot()

	fatalIf(runMappedFile(k), "mapped file")
	echoed, err := runEcho(ctx, conf, k, dev)
	if err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "echo")
	}

	cancel()
	if err := <-stopped; err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "NIC")
	}

	printFinalReport(time.Since(start), conf, k, dev, echoed)
	fmt.Fprintln(os.Stderr, "\nNIC:")
	_ = k.NIC.Snapshot().Since(nicStart).Print(os.Stderr)
	fmt.Fprintln(os.Stderr, "\nMemory:")
	_ = k.Frames.Stats().Print(os.Stderr)

	fatalIf(k.Shutdown(), "shutdown")
}

// runMappedFile maps a two-page file shared and writable, faults in the
// second page, dirties it and unmaps it so the change reaches the file.
func runMappedFile(k *boot.Kernel) error {
	data := bytes.Repeat([]byte("kernsim."), 2*vm.PageSize/8)
	ip := fs.NewMemInode(fs.NewJournal(), data)
	f, err := k.Files.Alloc()
	if err != nil {
		return err
	}
	defer k.Files.Close(f)
	f.SetInode(ip, true, true)

	s := k.NewSpace()
	defer s.Close()

	va, err := s.Mmap(uintptr(len(data)), vm.ProtRead|vm.ProtWrite, vm.MapShared, f)
	if err != nil {
		return err
	}
	if err := k.Loader.Trap(s, va+vm.PageSize, true); err != nil {
		return err
	}
	page, ok := s.Page(va + vm.PageSize)
	if !ok {
		return errors.New("page not mapped after fault")
	}
	copy(page, "dirty")
	if err := s.Munmap(va, uintptr(len(data))); err != nil {
		return err
	}
	if got := ip.Contents()[vm.PageSize:][:5]; string(got) != "dirty" {
		return fmt.Errorf("write-back missing: %q", got)
	}
	fmt.Fprintln(os.Stderr, "mmap: fault and write-back ok")
	return nil
}

// runEcho sends conf.Echo.Count datagrams from the simulated peer and
// echoes each one back through the socket's file handle.
func runEcho(ctx context.Context, conf *boot.Config, k *boot.Kernel, dev *sim.Device) (uint64, error) {
	peer := conf.EchoPeer()
	sock, f, err := k.Sockets.Open(peer.Addr(), conf.Echo.Port, peer.Port())
	if err != nil {
		return 0, err
	}
	defer k.Files.Close(f)

	limiter := ratelimit.New(conf.Echo.Rate)
	local := netip.AddrPortFrom(k.Net.Addr(), sock.Key().LocalPort)
	buf := make([]byte, e1000.MaxFrameSize)

	var echoed uint64
	for i := uint64(0); i < conf.Echo.Count; i++ {
		payload := fmt.Appendf(nil, "echo %d", i)
		frame := sim.UDPFrame(peerMAC, k.NIC.MAC(), peer, local, payload)
		if _, err := dev.InjectPaced(ctx, limiter, [][]byte{frame}); err != nil {
			return echoed, err
		}

		rctx, rcancel := context.WithTimeout(ctx, time.Second)
		n, err := k.Files.Read(rctx, f, buf)
		rcancel()
		if err != nil {
			return echoed, fmt.Errorf("reading datagram %d: %w", i, err)
		}
		if _, err := k.Files.Write(ctx, f, buf[:n]); err != nil {
			return echoed, fmt.Errorf("echoing datagram %d: %w", i, err)
		}
		dev.CompleteTx(0)
		echoed++

		if echoed%1000 == 0 {
			fmt.Fprintf(os.Stderr, "echoed %d/%d\n", echoed, conf.Echo.Count)
		}
	}
	return echoed, nil
}

func printFinalReport(elapsed time.Duration, conf *boot.Config, k *boot.Kernel, dev *sim.Device, echoed uint64) {
	secs := elapsed.Seconds()
	counters := k.Net.Counters()

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", secs)
	p.Printf(" Echoed:            %d / %d datagrams\n", echoed, conf.Echo.Count)
	p.Printf(" Avg PPS:           %d\n", uint64(float64(echoed)/secs))
	p.Printf(" Not for us:        %d\n", counters.NotForUs)
	p.Printf(" Malformed:         %d\n", counters.Malformed)
	p.Printf(" Ignored:           %d\n", counters.Ignored)
	p.Printf(" ARP replies:       %d\n", counters.ARPReplies)
	p.Printf(" Socket drops:      %d\n", k.Sockets.Dropped())
	p.Printf(" Device drops:      %d\n", dev.Dropped())
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}
