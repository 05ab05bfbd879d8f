package quantize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantkit/quantkit/fs/ggml"
)

// shardDescriptor identifies one layer group of a model.
type shardDescriptor struct {
	// Name is the layer group key, e.g. "blk.0" or "output".
	Name string

	// Index is the shard's position in dispatch order.
	Index int
}

// tensorInput is one tensor handed to a worker. data aliases the source
// buffer and must not be written.
type tensorInput struct {
	name     string
	kind     ggml.TensorType
	shape    []uint64
	data     []byte
	quantize bool
}

// tensorOutput is a processed tensor ready for assembly.
type tensorOutput struct {
	name  string
	kind  ggml.TensorType
	shape []uint64
	data  []byte
}

// job is one unit of pool work: quantize every tensor of a shard.
type job struct {
	id      uint64
	shard   shardDescriptor
	tensors []tensorInput
	target  ggml.TensorType
	policy  scalePolicy
}

// message is a worker's reply for one job.
type message struct {
	id      uint64
	outputs []tensorOutput
	err     error
}

// future resolves to a single job's reply. ch is buffered so a worker's
// reply never blocks on an abandoned waiter.
type future struct {
	id uint64
	ch chan message
}

// pool is a fixed-size worker pool. Workers communicate with the
// orchestrator exclusively through channels: jobs go down per-worker queues
// and every reply comes back over one shared results channel keyed by job
// id, where a dispatcher matches it to the registered future.
type pool struct {
	exec    func(job) ([]tensorOutput, error)
	workers []*worker
	results chan message

	mu      sync.Mutex
	pending map[uint64]*future

	nextID    atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

// worker owns one job queue. inflight counts queued plus running jobs and
// drives least-loaded placement.
type worker struct {
	index    int
	jobs     chan job
	inflight atomic.Int64
}

const workerQueueDepth = 32

// newPool starts size workers and the result dispatcher.
func newPool(size int, exec func(job) ([]tensorOutput, error)) *pool {
	p := &pool{
		exec:    exec,
		workers: make([]*worker, size),
		results: make(chan message, size),
		pending: make(map[uint64]*future),
		done:    make(chan struct{}),
	}

	for i := range p.workers {
		w := &worker{index: i, jobs: make(chan job, workerQueueDepth)}
		p.workers[i] = w
		p.spawn(w)
	}

	go p.dispatch()
	return p
}

// spawn runs w's loop in a fresh goroutine. A panicking job is converted to
// an ErrWorkerCrashed reply and the loop is respawned in the same slot, so
// the pool size holds across crashes.
func (p *pool) spawn(w *worker) {
	go func() {
		var current uint64
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker crashed", "worker", w.index, "job", current, "panic", r)
				w.inflight.Add(-1)
				p.deliver(message{id: current, err: fmt.Errorf("%w: %v", ErrWorkerCrashed, r)})
				p.spawn(w)
			}
		}()

		for {
			select {
			case <-p.done:
				return
			case j := <-w.jobs:
				current = j.id
				outputs, err := p.exec(j)
				w.inflight.Add(-1)
				p.deliver(message{id: j.id, outputs: outputs, err: err})
			}
		}
	}()
}

// deliver sends a reply unless the pool has shut down.
func (p *pool) deliver(m message) {
	select {
	case p.results <- m:
	case <-p.done:
	}
}

// dispatch routes replies to their futures. Replies for jobs nobody is
// waiting on anymore (timed out or canceled) are logged and dropped.
func (p *pool) dispatch() {
	for {
		select {
		case <-p.done:
			return
		case m := <-p.results:
			p.mu.Lock()
			f, ok := p.pending[m.id]
			delete(p.pending, m.id)
			p.mu.Unlock()

			if !ok {
				slog.Warn("dropping result for unknown job", "job", m.id)
				continue
			}
			f.ch <- m
		}
	}
}

// submit queues j on the least loaded worker and returns a future for its
// reply.
func (p *pool) submit(j job) (*future, error) {
	j.id = p.nextID.Add(1)
	f := &future{id: j.id, ch: make(chan message, 1)}

	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	default:
	}
	p.pending[j.id] = f
	p.mu.Unlock()

	w := p.leastLoaded()
	w.inflight.Add(1)

	select {
	case w.jobs <- j:
		return f, nil
	case <-p.done:
		w.inflight.Add(-1)
		p.abandon(j.id)
		return nil, ErrPoolShutdown
	}
}

// leastLoaded picks the worker with the fewest queued or running jobs,
// breaking ties on the lowest index.
func (p *pool) leastLoaded() *worker {
	best := p.workers[0]
	min := best.inflight.Load()
	for _, w := range p.workers[1:] {
		if n := w.inflight.Load(); n < min {
			best, min = w, n
		}
	}
	return best
}

// abandon forgets a pending job so its eventual reply is dropped. It
// reports whether the job was still pending.
func (p *pool) abandon(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	delete(p.pending, id)
	return ok
}

// terminateAll shuts the pool down and fails every pending job with
// ErrPoolShutdown. Safe to call more than once.
func (p *pool) terminateAll() {
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		pending := p.pending
		p.pending = make(map[uint64]*future)
		p.mu.Unlock()

		for id, f := range pending {
			f.ch <- message{id: id, err: ErrPoolShutdown}
		}
	})
}

// activeJobs counts jobs submitted but not yet resolved or abandoned.
func (p *pool) activeJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *pool) workerCount() int {
	return len(p.workers)
}

// wait blocks for the job's reply, the timeout, or ctx cancelation,
// whichever comes first. A timeout or cancelation abandons the job; if the
// reply races in before the abandon lands, it is returned normally.
func (f *future) wait(ctx context.Context, p *pool, timeout time.Duration) ([]tensorOutput, error) {
	var timer *time.Timer
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case m := <-f.ch:
		return m.outputs, m.err
	case <-timeoutC:
		if p.abandon(f.id) {
			return nil, fmt.Errorf("%w after %s", ErrJobTimeout, timeout)
		}
		m := <-f.ch
		return m.outputs, m.err
	case <-ctx.Done():
		if p.abandon(f.id) {
			return nil, ctx.Err()
		}
		m := <-f.ch
		return m.outputs, m.err
	}
}
