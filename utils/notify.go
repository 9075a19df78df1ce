package utils

// Notify is a single-slot coalescing signal. Any number of Signal calls
// between two waits collapse into one wake-up, and one wake-up reaches
// exactly one waiter.
type Notify struct {
	ch chan struct{}
}

func NewNotify() *Notify {
	return &Notify{ch: make(chan struct{}, 1)}
}

// Signal wakes one waiter. It never blocks; if a signal is already
// pending it is a no-op.
func (n *Notify) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait returns the channel one waiter at a time should receive from.
func (n *Notify) Wait() <-chan struct{} {
	return n.ch
}
