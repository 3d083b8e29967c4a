package kalloc

// Frame is the physical address of a page of RAM.
type Frame uintptr

// Address returns the physical address of the frame.
func (f Frame) Address() uintptr { return uintptr(f) }

// Aligned reports whether f sits on a page boundary.
func (f Frame) Aligned() bool { return uintptr(f)&(PageSize-1) == 0 }

// FrameFromAddress returns the frame that contains physical address pa.
func FrameFromAddress(pa uintptr) Frame {
	return Frame(pa &^ (PageSize - 1))
}

// memset fills buf with value using log2(len(buf)) copy calls.
func memset(buf []byte, value byte) {
	if len(buf) == 0 {
		return
	}
	buf[0] = value
	for i := 1; i < len(buf); i *= 2 {
		copy(buf[i:], buf[:i])
	}
}
