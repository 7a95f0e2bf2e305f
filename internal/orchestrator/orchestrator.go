// Package orchestrator runs every capsule in a registry concurrently and
// collects their results by name.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.alexhamlin.co/twill/internal/capsule"
	"go.alexhamlin.co/twill/internal/log"
	"go.alexhamlin.co/twill/internal/loop"
	"go.alexhamlin.co/twill/internal/offload"
	"go.alexhamlin.co/twill/internal/registry"
)

var (
	// ErrEmptyRegistry is returned when opening an orchestrator over, or
	// running, a registry with no capsules.
	ErrEmptyRegistry = errors.New("orchestrator: empty registry")

	// ErrClosed is returned when running an orchestrator after Close.
	ErrClosed = errors.New("orchestrator: closed")
)

// Options configure an [Orchestrator].
type Options struct {
	// Workers, if positive, gives the orchestrator a private pool with this many
	// workers, which Close drains. Otherwise the orchestrator runs capsules on
	// the registry's pool.
	Workers int
}

// Orchestrator runs a registry's capsules as a batch. It never modifies the
// registry.
type Orchestrator struct {
	reg  *registry.Registry
	pool *offload.Pool
	own  bool

	mu     sync.Mutex
	closed bool
}

// Open starts an orchestrator session over reg. It fails with
// [ErrEmptyRegistry] if reg has no capsules, in which case no orchestrator is
// returned and nothing needs closing.
func Open(reg *registry.Registry, opts Options) (*Orchestrator, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", registry.ErrTypeMismatch)
	}
	if reg.Len() == 0 {
		return nil, ErrEmptyRegistry
	}
	o := &Orchestrator{reg: reg, pool: reg.Pool()}
	if opts.Workers > 0 {
		o.pool = offload.NewPool(offload.Options{Workers: opts.Workers})
		o.own = true
	}
	return o, nil
}

// Scope opens an orchestrator over reg, passes it to fn, and closes it before
// returning. It returns the first error among Open, fn, and Close.
func Scope(reg *registry.Registry, opts Options, fn func(*Orchestrator) error) (err error) {
	o, err := Open(reg, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, o.Close())
	}()
	return fn(o)
}

// Close ends the session. If the orchestrator has a private pool, Close waits
// for every capsule it started to finish, including the siblings of a failed
// batch. Close is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	already := o.closed
	o.closed = true
	o.mu.Unlock()

	if already || !o.own {
		return nil
	}
	return o.pool.Shutdown(context.Background())
}

// RunAll invokes every capsule registered at the moment of the call
// concurrently, suspending co until the batch completes.
//
// On success, the result maps every one of those names to its capsule's value.
// As soon as any capsule fails, RunAll returns that capsule's error unchanged
// and no results. Siblings still running are not canceled; their results are
// discarded. If a capsule panics, RunAll re-panics with the same value.
func (o *Orchestrator) RunAll(co *loop.Coroutine) (map[string]any, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	capsules := o.reg.Snapshot()
	if len(capsules) == 0 {
		return nil, ErrEmptyRegistry
	}

	log.Verbosef("orchestrator: running %d capsules", len(capsules))
	var (
		results map[string]any
		err     error
	)
	co.Suspend(func() {
		results, err = o.collect(co.Context(), capsules)
	})
	return results, err
}

type completion struct {
	name  string
	value any
	err   error
	fut   *offload.Future
}

// collect fans the capsules out to the pool and fans their results back in,
// stopping at the first failure.
func (o *Orchestrator) collect(ctx context.Context, capsules []*capsule.Capsule) (map[string]any, error) {
	// Buffered so that abandoned waiters never block.
	done := make(chan completion, len(capsules))

	for _, c := range capsules {
		fut, err := o.pool.Submit(ctx, c.Invoke)
		if err != nil {
			return nil, err
		}
		go func() {
			<-fut.Done()
			if fut.Panicked() {
				done <- completion{name: c.Name(), fut: fut}
				return
			}
			value, err := waitFinished(fut)
			done <- completion{name: c.Name(), value: value, err: err, fut: fut}
		}()
	}

	results := make(map[string]any, len(capsules))
	for range capsules {
		var comp completion
		select {
		case comp = <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if comp.fut.Panicked() {
			comp.fut.Wait(context.Background()) // Re-panics in the waiting coroutine.
		}
		if comp.err != nil {
			log.Verbosef("orchestrator: %q failed: %v", comp.name, comp.err)
			return nil, comp.err
		}
		results[comp.name] = comp.value
	}
	return results, nil
}

// waitFinished returns the result of a future whose Done channel is closed and
// which did not panic. A Goexit is reported as [offload.ErrGoexit].
func waitFinished(fut *offload.Future) (value any, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			value, err = nil, offload.ErrGoexit
		}
	}()
	return fut.Wait(context.Background())
}

