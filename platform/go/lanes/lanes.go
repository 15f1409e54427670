// Package lanes runs work in per-key FIFO lanes: tasks sharing a key execute
// one at a time in submission order, tasks of different keys run in parallel
// up to a global concurrency bound.
package lanes

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of work executed inside a lane.
type Task func(ctx context.Context)

// Dispatcher owns the lanes. Lanes are created on demand and disappear once
// drained, so idle keys cost nothing.
type Dispatcher struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	queue []Task
}

// New returns a dispatcher running at most concurrency tasks at once.
func New(concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		sem:   semaphore.NewWeighted(int64(concurrency)),
		lanes: make(map[string]*lane),
	}
}

// Submit enqueues task on the lane of key. It never blocks on the task itself.
// Tasks still queued when ctx is cancelled are dropped.
func (d *Dispatcher) Submit(ctx context.Context, key string, task Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lanes[key]; ok {
		l.queue = append(l.queue, task)
		return
	}

	l := &lane{queue: []Task{task}}
	d.lanes[key] = l
	d.wg.Add(1)
	go d.run(ctx, key, l)
}

// Busy reports whether key has queued or running work.
func (d *Dispatcher) Busy(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.lanes[key]
	return ok
}

// Active reports the number of lanes with pending work.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Wait blocks until every lane has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, key string, l *lane) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.mu.Lock()
			l.queue = nil
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		task(ctx)
		d.sem.Release(1)
	}
}
