package listeners

import "sync"

// Dispatcher delivers queued notifications one at a time in enqueue order.
// Enqueue is typically called while the producer holds its own lock and
// Flush right after releasing it. A notification that triggers further
// notifications from the delivering goroutine does not deadlock: they are
// queued and delivered by the loop already running.
type Dispatcher struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (d *Dispatcher) Enqueue(f func()) {
	d.mu.Lock()
	d.pending = append(d.pending, f)
	d.mu.Unlock()
}

func (d *Dispatcher) Flush() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	for len(d.pending) > 0 {
		f := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.mu.Unlock()
		f()
		d.mu.Lock()
	}
	d.pending = nil
	d.running = false
	d.mu.Unlock()
}
