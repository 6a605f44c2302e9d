package event

import "sync"

// Dispatcher delivers records to a Handler in publish order on its own
// goroutine. Publish never blocks; the queue is unbounded so no record is
// dropped. The worker goroutine exits whenever the queue drains and is
// restarted by the next Publish.
type Dispatcher struct {
	handler Handler

	mu      sync.Mutex
	queue   []Record
	running bool
	idle    *sync.Cond
}

// NewDispatcher returns a dispatcher delivering to h.
func NewDispatcher(h Handler) *Dispatcher {
	d := &Dispatcher{handler: h}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Publish queues r for delivery.
func (d *Dispatcher) Publish(r Record) {
	d.mu.Lock()
	d.queue = append(d.queue, r)
	if !d.running {
		d.running = true
		go d.run()
	}
	d.mu.Unlock()
}

// Flush blocks until every record published so far has been delivered.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	for d.running {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		r := d.queue[0]
		d.queue[0] = Record{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if d.handler != nil {
			d.handler(r)
		}
	}
}
