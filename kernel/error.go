// Package kernel holds the fatal-error and sleep/wakeup plumbing shared by
// every subsystem.
package kernel

// Error is an invariant violation detected by a subsystem. Each one is a
// package-level value, so tests can match a halt by pointer.
type Error struct {
	Module  string // subsystem that detected the violation, e.g. "kalloc"
	Message string
}

// Error returns "module: message", or the bare message without a module.
func (err *Error) Error() string {
	if err.Module == "" {
		return err.Message
	}
	return err.Module + ": " + err.Message
}
