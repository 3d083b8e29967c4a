package file

import (
	"context"
	"errors"
	"fmt"
)

// NDev is the number of device major numbers.
const NDev = 10

// ConsoleMajor is the major number of the console device.
const ConsoleMajor = 1

var ErrNoDevice = errors.New("no driver for device")

// Device is a character-device driver registered under a major number.
// Either function may be nil if the device does not support it.
type Device struct {
	Read  func(ctx context.Context, p []byte) (int, error)
	Write func(p []byte) (int, error)
}

// RegisterDevice installs d under major.
func (t *Table) RegisterDevice(major int, d Device) error {
	if major < 0 || major >= NDev {
		return fmt.Errorf("major %d out of range: %w", major, ErrNoDevice)
	}
	t.devMu.Lock()
	t.devsw[major] = d
	t.devMu.Unlock()
	return nil
}

func (t *Table) device(major int) (Device, error) {
	if major < 0 || major >= NDev {
		return Device{}, ErrNoDevice
	}
	t.devMu.RLock()
	defer t.devMu.RUnlock()
	return t.devsw[major], nil
}
