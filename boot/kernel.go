package boot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"

	"github.com/romshark/rvkern/e1000"
	"github.com/romshark/rvkern/file"
	"github.com/romshark/rvkern/inet"
	"github.com/romshark/rvkern/kalloc"
	"github.com/romshark/rvkern/mbuf"
	"github.com/romshark/rvkern/socket"
	"github.com/romshark/rvkern/vm"
)

// Hardware describes the machine the kernel boots on.
type Hardware struct {
	// NIC returns the register file of the network controller. It is
	// called once RAM exists so the device can DMA into it.
	NIC func(mem *kalloc.Memory) e1000.Registers

	// Console receives writes to the console device. Defaults to
	// io.Discard.
	Console io.Writer
}

// Kernel holds every subsystem of a booted kernel.
type Kernel struct {
	Log     hclog.Logger
	Memory  *kalloc.Memory
	Frames  *kalloc.Allocator
	Pool    *mbuf.Pool
	Files   *file.Table
	NIC     *e1000.Driver
	Net     *inet.Stack
	Sockets *socket.Registry
	Loader  *vm.Loader
}

// Boot brings up a kernel on hw. A nil logger discards output.
func Boot(conf *Config, hw Hardware, log hclog.Logger) (*Kernel, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if hw.NIC == nil {
		return nil, errors.New("no network controller")
	}
	if hw.Console == nil {
		hw.Console = io.Discard
	}

	mem, err := kalloc.NewMemory(uintptr(conf.Memory.Base), int(conf.MemorySize()))
	if err != nil {
		return nil, fmt.Errorf("initializing memory: %w", err)
	}
	k := &Kernel{Log: log, Memory: mem}

	if k.Frames, err = kalloc.NewAllocator(mem, mem.Base(), mem.End()); err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("initializing frame allocator: %w", err)
	}
	k.Pool = mbuf.NewPool(k.Frames)
	k.Files = file.NewTable(conf.Files)
	k.Loader = vm.NewLoader(k.Frames, log.Named("vm"))

	err = k.Files.RegisterDevice(file.ConsoleMajor, file.Device{
		Read: func(ctx context.Context, _ []byte) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		Write: hw.Console.Write,
	})
	if err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("registering console: %w", err)
	}

	if k.Net, err = inet.New(inet.Config{
		MAC:    conf.MAC(),
		Addr:   conf.IP(),
		Pool:   k.Pool,
		Logger: log.Named("inet"),
	}); err != nil {
		_ = mem.Close()
		return nil, err
	}

	if k.NIC, err = e1000.New(e1000.Config{
		Regs:     hw.NIC(mem),
		Frames:   k.Frames,
		Pool:     k.Pool,
		Dispatch: k.Net.Receive,
		MAC:      conf.MAC(),
		Logger:   log.Named("e1000"),
	}); err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("initializing NIC: %w", err)
	}

	if k.Sockets, err = socket.NewRegistry(socket.Config{
		Files:     k.Files,
		Pool:      k.Pool,
		Transport: k.Net,
		Logger:    log.Named("socket"),
	}); err != nil {
		return nil, errors.Join(err, k.Shutdown())
	}
	k.Net.Attach(k.NIC, k.Sockets)

	st := k.Frames.Stats()
	log.Info("booted",
		"memory", humanize.IBytes(uint64(mem.Size())),
		"base", hclog.Fmt("%#x", mem.Base()),
		"free_frames", humanize.Comma(int64(st.FreePages)),
		"files", conf.Files,
		"mac", conf.MAC().String(),
		"ip", conf.IP().String(),
	)
	return k, nil
}

// NewSpace returns an empty user address space.
func (k *Kernel) NewSpace() *vm.Space {
	return vm.NewSpace(k.Frames, k.Files)
}

// Shutdown stops the NIC and releases physical memory.
func (k *Kernel) Shutdown() error {
	var errs []error
	if k.NIC != nil {
		if err := k.NIC.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing NIC: %w", err))
		}
	}
	if err := k.Memory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unmapping memory: %w", err))
	}
	return errors.Join(errs...)
}
