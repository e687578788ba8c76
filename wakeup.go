package pgm

// wakeup is a capacity-1 chan struct{} used purely as a readiness signal. A
// non-blocking send coalesces any number of pending signals into one
// pending wake, exactly like a byte written to a pipe that is never fully
// drained before the next write.
type wakeup chan struct{}

func newWakeup() wakeup {
	return make(wakeup, 1)
}

// signal posts a wake-up, coalescing with any already-pending one.
func (w wakeup) signal() {
	select {
	case w <- struct{}{}:
	default:
	}
}

// chan_ exposes the underlying channel for select statements.
func (w wakeup) chan_() <-chan struct{} {
	return w
}
