package bucket

import "sync"

// signalGate is the wait/notify side of a node. The node's RWMutex has no
// native condition support, so blocked consumers park on a broadcast
// channel that is closed and replaced on every signal. The gate carries
// its own mutex, independent of the node's state lock, so a commit deep in
// a tree can wake waiters up the ancestor chain without re-entering any
// state lock it may already hold.
type signalGate struct {
	mu sync.Mutex
	ch chan struct{}
}

// waitChannel returns the channel the next broadcast will close. A waiter
// must fetch the channel before re-checking state, or it can miss a signal
// sent between the check and the park.
func (g *signalGate) waitChannel() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
	return g.ch
}

// broadcast wakes every parked consumer. Wakeups are advisory: a woken
// consumer restarts its attempt from scratch and may park again.
func (g *signalGate) broadcast() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
}
