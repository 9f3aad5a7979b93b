package shield

import (
	"runtime"
	"time"
)

// spinBackoff implements the bounded spin the spec calls for in
// CheckLockAndEnlist (§4.3, §9 "Spin bounds"): a few tight spins, then
// runtime.Gosched, then a short exponential sleep, so a transaction waiting
// on a conflicting writer never starves the scheduler.
type spinBackoff struct {
	n int
}

func (b *spinBackoff) wait() {
	b.n++
	switch {
	case b.n <= 4:
		// tight spin
	case b.n <= 16:
		runtime.Gosched()
	default:
		shift := b.n - 16
		if shift > 10 {
			shift = 10
		}
		time.Sleep(time.Duration(1<<uint(shift)) * time.Microsecond)
	}
}
