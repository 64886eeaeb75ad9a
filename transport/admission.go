package transport

import (
	"sync"

	"github.com/mikrodotnet/proxyagent/internal/logging"
)

// admissionGate caps the number of simultaneously live tunnels. Requests
// beyond the cap queue FIFO and are started one at a time as tunnels close.
//
// The counter and the queue live under one mutex: between the decrement in
// release and the dequeue that follows it, no concurrent admit can steal
// the freed slot.
type admissionGate struct {
	mu     sync.Mutex
	max    int // 0 means unlimited
	active int
	queue  []*admissionWaiter
}

type admissionWaiter struct {
	start     func()
	cancelled bool
}

func newAdmissionGate(max int) *admissionGate {
	return &admissionGate{max: max}
}

// admit either claims a slot now (returns nil, true; the caller runs start)
// or appends the request to the queue (returns the waiter, false). A tunnel
// passes admission exactly once.
func (g *admissionGate) admit(start func()) (*admissionWaiter, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.max <= 0 || g.active < g.max {
		g.active++
		return nil, true
	}
	w := &admissionWaiter{start: start}
	g.queue = append(g.queue, w)
	logging.Debug().Int("queued", len(g.queue)).Msg("tunnel cap reached, request queued")
	return w, false
}

// release returns a slot and hands it straight to the next live waiter, if
// any. Cancelled waiters are discarded without being counted.
func (g *admissionGate) release() {
	g.mu.Lock()
	g.active--
	var next *admissionWaiter
	for len(g.queue) > 0 {
		w := g.queue[0]
		g.queue = g.queue[1:]
		if w.cancelled {
			continue
		}
		next = w
		break
	}
	if next != nil {
		g.active++
	}
	g.mu.Unlock()
	if next != nil {
		go next.start()
	}
}

// cancel marks a queued waiter so release skips it. A waiter that was never
// admitted never held a slot, so nothing is returned here.
func (g *admissionGate) cancel(w *admissionWaiter) {
	g.mu.Lock()
	w.cancelled = true
	g.mu.Unlock()
}

func (g *admissionGate) counts() (active, queued int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	live := 0
	for _, w := range g.queue {
		if !w.cancelled {
			live++
		}
	}
	return g.active, live
}
