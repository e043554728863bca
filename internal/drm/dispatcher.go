package drm

import (
	"context"
	"errors"
	"sync"
)

var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Job is one unit of work run on a key's queue.
type Job func(ctx context.Context)

// Dispatcher runs jobs sequentially per key and in parallel across keys.
// A key's worker goroutine exists only while its queue has work.
type Dispatcher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	queues  map[string][]Job
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

func NewDispatcher() *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]Job),
	}
}

// Dispatch appends job to the queue for key.
func (d *Dispatcher) Dispatch(key string, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	q, active := d.queues[key]
	d.queues[key] = append(q, job)
	if !active {
		d.wg.Add(1)
		go d.run(key)
	}
	return nil
}

// Active reports how many keys currently have a worker.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Stop cancels the context handed to jobs and waits for every worker to
// drain its queue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		job := q[0]
		q[0] = nil
		d.queues[key] = q[1:]
		d.mu.Unlock()

		job(d.ctx)
	}
}
