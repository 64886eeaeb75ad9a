package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdmissionGateCapAndQueue(t *testing.T) {
	g := newAdmissionGate(2)

	started := make([]bool, 4)
	waiters := make([]*admissionWaiter, 4)
	for i := 0; i < 4; i++ {
		i := i
		w, ok := g.admit(func() { started[i] = true })
		waiters[i] = w
		if i < 2 && !ok {
			t.Fatalf("request %d should be admitted immediately", i)
		}
		if i >= 2 && ok {
			t.Fatalf("request %d should queue behind the cap", i)
		}
	}

	if active, queued := g.counts(); active != 2 || queued != 2 {
		t.Fatalf("counts = (%d, %d), want (2, 2)", active, queued)
	}

	// Closing one tunnel starts exactly the first queued request.
	g.release()
	waitFor(t, func() bool { return started[2] })
	if started[3] {
		t.Fatal("second waiter started out of order")
	}
	if active, queued := g.counts(); active != 2 || queued != 1 {
		t.Fatalf("counts after release = (%d, %d), want (2, 1)", active, queued)
	}

	g.release()
	waitFor(t, func() bool { return started[3] })
}

func TestAdmissionGateUnlimited(t *testing.T) {
	g := newAdmissionGate(0)
	for i := 0; i < 50; i++ {
		if _, ok := g.admit(func() {}); !ok {
			t.Fatal("unset cap must admit everything")
		}
	}
	if active, _ := g.counts(); active != 50 {
		t.Fatalf("active = %d, want 50", active)
	}
}

func TestAdmissionGateSkipsCancelledWaiters(t *testing.T) {
	g := newAdmissionGate(1)

	g.admit(func() {})

	var firstStarted, secondStarted atomic.Bool
	w1, ok := g.admit(func() { firstStarted.Store(true) })
	if ok {
		t.Fatal("request should queue")
	}
	_, ok = g.admit(func() { secondStarted.Store(true) })
	if ok {
		t.Fatal("request should queue")
	}

	// The first waiter is abandoned before a slot frees; the slot must go
	// to the second.
	g.cancel(w1)
	g.release()

	waitFor(t, func() bool { return secondStarted.Load() })
	if firstStarted.Load() {
		t.Fatal("cancelled waiter must never start")
	}
	if active, queued := g.counts(); active != 1 || queued != 0 {
		t.Fatalf("counts = (%d, %d), want (1, 0)", active, queued)
	}
}

func TestAdmissionGateNeverExceedsCapUnderLoad(t *testing.T) {
	const maxTunnels = 5
	g := newAdmissionGate(maxTunnels)

	var current, peak atomic.Int64
	var wg sync.WaitGroup

	run := func() {
		defer wg.Done()
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		current.Add(-1)
		g.release()
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		if w, ok := g.admit(func() { go run() }); ok {
			go run()
		} else {
			_ = w
		}
	}
	wg.Wait()

	if p := peak.Load(); p > maxTunnels {
		t.Fatalf("peak concurrency %d exceeds cap %d", p, maxTunnels)
	}
	if active, queued := g.counts(); active != 0 || queued != 0 {
		t.Fatalf("counts after drain = (%d, %d), want (0, 0)", active, queued)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
