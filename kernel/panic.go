package kernel

import (
	"github.com/hashicorp/go-hclog"
)

var (
	// haltFn is replaced by tests to observe halts without unwinding.
	haltFn = func(err *Error) { panic(err) }
)

// Panic reports an unrecoverable invariant violation and halts the caller.
// Callers must treat Panic as never returning.
func Panic(err *Error) {
	if err == nil {
		err = errUnknown
	}
	hclog.L().Error("unrecoverable error", "module", err.Module, "error", err.Message)
	hclog.L().Error("*** kernel panic: system halted ***")
	haltFn(err)
}

var errUnknown = &Error{Module: "kernel", Message: "unknown cause"}
