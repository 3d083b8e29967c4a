package kernel

import (
	"context"
	"sync"
)

// Sleep suspends the caller on cond until it is woken by a broadcast or ctx
// is cancelled. cond.L must be held and is held again on return.
// A non-nil error means the caller is being torn down and must abandon the
// wait; the condition it was waiting for may still be false.
func Sleep(ctx context.Context, cond *sync.Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	cond.Wait()
	stop()
	return ctx.Err()
}
