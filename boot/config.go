// Package boot assembles a kernel from its configuration: physical memory,
// the frame allocator, the file table, the NIC and the network stack.
package boot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/romshark/rvkern/e1000"
	"github.com/romshark/rvkern/file"
	"github.com/romshark/rvkern/inet"
	"github.com/romshark/rvkern/kalloc"
)

const (
	DefaultMemorySize = "128 MiB"
	DefaultEchoPeer   = "10.0.2.2:25603"
	DefaultEchoPort   = 2000
	DefaultEchoCount  = 100
	DefaultLogLevel   = "info"
)

var ErrMemoryTooSmall = errors.New("memory too small to boot")

// Config is the kernel's boot configuration.
type Config struct {
	Memory struct {
		Base uint64 `yaml:"base"`
		Size string `yaml:"size"` // e.g. "128 MiB"
	} `yaml:"memory"`

	Files int `yaml:"files"`

	Net struct {
		MAC string `yaml:"mac"`
		IP  string `yaml:"ip"`
	} `yaml:"net"`

	// Echo configures the UDP echo exchange run by kernsim.
	Echo struct {
		Peer  string `yaml:"peer"`
		Port  uint16 `yaml:"port"`
		Count uint64 `yaml:"count"`
		Rate  uint64 `yaml:"rate"` // frames per second, 0 for unlimited
	} `yaml:"echo"`

	LogLevel string `yaml:"log-level"`

	memSize uint64
	mac     net.HardwareAddr
	ip      netip.Addr
	peer    netip.AddrPort
	level   hclog.Level
}

// DecodeConfig decodes a YAML configuration without validating it, so
// callers can apply overrides first. Unknown keys are rejected and an
// empty document yields the zero Config.
func DecodeConfig(b []byte) (*Config, error) {
	var conf Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &conf, nil
}

// ParseConfig decodes and validates a YAML configuration.
func ParseConfig(b []byte) (*Config, error) {
	conf, err := DecodeConfig(b)
	if err != nil {
		return nil, err
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ValidateAndSetDefaults fills in defaults and parses the textual fields.
func (c *Config) ValidateAndSetDefaults() error {
	if c.Memory.Base == 0 {
		c.Memory.Base = uint64(kalloc.KernBase)
	}
	if c.Memory.Size == "" {
		c.Memory.Size = DefaultMemorySize
	}
	if c.Files == 0 {
		c.Files = file.DefaultCapacity
	}
	if c.Net.MAC == "" {
		c.Net.MAC = e1000.DefaultMAC.String()
	}
	if c.Net.IP == "" {
		c.Net.IP = inet.DefaultAddr.String()
	}
	if c.Echo.Peer == "" {
		c.Echo.Peer = DefaultEchoPeer
	}
	if c.Echo.Port == 0 {
		c.Echo.Port = DefaultEchoPort
	}
	if c.Echo.Count == 0 {
		c.Echo.Count = DefaultEchoCount
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	var errs []error
	var err error

	if c.Memory.Base%kalloc.PageSize != 0 {
		errs = append(errs, fmt.Errorf("memory.base %#x is not page-aligned", c.Memory.Base))
	}
	if c.memSize, err = humanize.ParseBytes(c.Memory.Size); err != nil {
		errs = append(errs, fmt.Errorf("invalid memory.size %q: %w", c.Memory.Size, err))
	} else if c.memSize < 64*kalloc.PageSize {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMemoryTooSmall, humanize.IBytes(c.memSize)))
	}
	if c.Files < 0 {
		errs = append(errs, fmt.Errorf("files must be > 0, got %d", c.Files))
	}
	if c.mac, err = net.ParseMAC(c.Net.MAC); err != nil {
		errs = append(errs, fmt.Errorf("invalid net.mac %q: %w", c.Net.MAC, err))
	} else if len(c.mac) != 6 {
		errs = append(errs, fmt.Errorf("net.mac %q is not an EUI-48 address", c.Net.MAC))
	}
	if c.ip, err = netip.ParseAddr(c.Net.IP); err != nil {
		errs = append(errs, fmt.Errorf("invalid net.ip %q: %w", c.Net.IP, err))
	} else if !c.ip.Is4() {
		errs = append(errs, fmt.Errorf("net.ip %q is not IPv4", c.Net.IP))
	}
	if c.peer, err = netip.ParseAddrPort(c.Echo.Peer); err != nil {
		errs = append(errs, fmt.Errorf("invalid echo.peer %q: %w", c.Echo.Peer, err))
	} else if !c.peer.Addr().Is4() {
		errs = append(errs, fmt.Errorf("echo.peer %q is not IPv4", c.Echo.Peer))
	}
	if c.level = hclog.LevelFromString(c.LogLevel); c.level == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("invalid log-level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// MemorySize returns the parsed memory size in bytes.
func (c *Config) MemorySize() uint64 { return c.memSize }

// MAC returns the parsed station address.
func (c *Config) MAC() net.HardwareAddr { return c.mac }

// IP returns the parsed local address.
func (c *Config) IP() netip.Addr { return c.ip }

// EchoPeer returns the parsed address of the echo peer.
func (c *Config) EchoPeer() netip.AddrPort { return c.peer }

// Level returns the parsed log level.
func (c *Config) Level() hclog.Level { return c.level }
