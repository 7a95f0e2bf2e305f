// Package offload runs blocking functions on a bounded set of worker
// goroutines, so that code which must stay responsive can wait for their
// results without running them itself.
package offload

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"

	"go.alexhamlin.co/twill/internal/log"
)

var (
	// ErrClosed is returned when submitting to a pool that is shutting down.
	ErrClosed = errors.New("offload: pool closed")

	// ErrSaturated is returned by [Pool.TrySubmit] when every worker is busy
	// and the pending queue is at its limit.
	ErrSaturated = errors.New("offload: pool saturated")

	// ErrNilFunc is returned when submitting a nil function.
	ErrNilFunc = errors.New("offload: job func is nil")
)

// Options configure a [Pool].
type Options struct {
	// Workers is the maximum number of jobs executing at once. Values <= 0 use
	// runtime.GOMAXPROCS(0).
	Workers int

	// QueueLimit is the maximum number of accepted jobs waiting for a worker.
	// Zero permits an unbounded queue.
	QueueLimit int
}

func (o *Options) fillDefaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.QueueLimit < 0 {
		o.QueueLimit = 0
	}
}

// Pool executes submitted functions on at most Options.Workers goroutines.
//
// Workers are started on demand and retire as soon as no work is pending, so
// an idle pool holds no goroutines. A running function is never preempted: a
// waiter that gives up on a [Future] leaves its function to finish untracked.
type Pool struct {
	limit int

	// slots holds one token for every accepted job that has not finished, up to
	// Workers+QueueLimit. It is nil when the queue is unbounded.
	slots chan struct{}

	// state covers the closed flag, the worker count, and the pending queue.
	// A job is either in pending or owned by exactly one worker.
	mu      sync.Mutex
	closed  bool
	workers int
	pending deque.Deque[*Future]

	done      chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
}

// NewPool creates a pool with the provided options.
func NewPool(opts Options) *Pool {
	opts.fillDefaults()
	p := &Pool{
		limit: opts.Workers,
		done:  make(chan struct{}),
	}
	if opts.QueueLimit > 0 {
		p.slots = make(chan struct{}, opts.Workers+opts.QueueLimit)
	}
	return p
}

// Submit accepts fn for execution and returns a [Future] for its result.
//
// When the pool is saturated, Submit blocks until a queue slot frees up, the
// pool closes, or ctx is done, returning [ErrClosed] or ctx.Err() in the
// latter two cases.
func (p *Pool) Submit(ctx context.Context, fn func() (any, error)) (*Future, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p.slots != nil {
		select {
		case <-p.done:
			return nil, ErrClosed
		default:
		}
		select {
		case p.slots <- struct{}{}:
		case <-p.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.accept(fn)
}

// TrySubmit is like [Pool.Submit], but returns [ErrSaturated] instead of
// blocking when the pool is saturated.
func (p *Pool) TrySubmit(fn func() (any, error)) (*Future, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		default:
			return nil, ErrSaturated
		}
	}
	return p.accept(fn)
}

// Do submits fn as if by [Pool.Submit] and waits for its result as if by
// [Future.Wait].
func (p *Pool) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	f, err := p.Submit(ctx, fn)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Shutdown stops the pool from accepting new work, then waits for every
// accepted job to finish or for ctx to be done. It is safe to call more than
// once, and every call waits for the same set of jobs.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
		log.Verbosef("offload: pool closed with %d jobs outstanding", p.submitted.Load()-p.completed.Load())
	})

	idle := make(chan struct{})
	go func() {
		defer close(idle)
		p.inflight.Wait()
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats conveys information about the jobs in a [Pool].
type Stats struct {
	// Submitted is the count of all jobs ever accepted.
	Submitted uint64
	// Completed is the count of accepted jobs that finished in any way.
	Completed uint64
	// Queued is the count of accepted jobs waiting for a worker.
	Queued int
	// Workers is the count of running worker goroutines.
	Workers int
}

// Stats returns the [Stats] for a [Pool] as of the time of the call.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Queued:    p.pending.Len(),
		Workers:   p.workers,
	}
}

func (p *Pool) accept(fn func() (any, error)) (*Future, error) {
	f := &Future{fn: fn, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.releaseSlot()
		return nil, ErrClosed
	}
	p.inflight.Add(1)
	p.submitted.Add(1)
	if p.workers < p.limit {
		p.workers++
		p.mu.Unlock()
		go p.work(f)
		return f, nil
	}
	p.pending.PushBack(f)
	p.mu.Unlock()
	return f, nil
}

// work, when invoked in a new goroutine, takes over one worker position and
// executes jobs until none are pending.
func (p *Pool) work(f *Future) {
	for f != nil {
		p.run(f)
		f = p.next()
	}
}

// next either hands the calling worker another pending job, or retires the
// worker and returns nil.
func (p *Pool) next() *Future {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending.Len() == 0 {
		p.workers--
		return nil
	}
	return p.pending.PopFront()
}

func (p *Pool) run(f *Future) {
	returned := false
	defer func() {
		if !returned {
			// The job called runtime.Goexit and is taking this goroutine with it,
			// so the worker position must move to a new goroutine.
			p.finish(f, goexited())
			go p.work(p.next())
		}
	}()
	out := capture(f.fn)
	returned = true
	p.finish(f, out)
}

func (p *Pool) finish(f *Future, out outcome) {
	f.fn = nil
	f.out = out
	close(f.done)
	p.completed.Add(1)
	p.releaseSlot()
	p.inflight.Done()
}

func (p *Pool) releaseSlot() {
	if p.slots != nil {
		<-p.slots
	}
}
