//go:build !linux

package kalloc

func mapRAM(size int) ([]byte, error) { return make([]byte, size), nil }

func unmapRAM([]byte) error { return nil }
