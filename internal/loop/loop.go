// Package loop provides a cooperative scheduler for coroutines.
//
// Every coroutine runs in its own goroutine, but a loop permits only one of
// them to execute at a time: the one holding the loop's turn. A coroutine
// keeps the turn until it returns or explicitly gives it up at a suspension
// point ([Coroutine.Suspend] or [Coroutine.Yield]). Code running on a loop may
// therefore touch loop-private state without further locking, as long as it
// never blocks while holding the turn. Blocking work belongs inside Suspend,
// typically waiting on an [offload.Pool].
//
// Loops are independent of one another; a process may run any number of them.
//
// [offload.Pool]: go.alexhamlin.co/twill/internal/offload.Pool
package loop

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrPanicked is returned by [Task.Await] when the awaited coroutine panicked.
// The panic itself is re-raised by [Run].
var ErrPanicked = errors.New("loop: coroutine panicked")

type loop struct {
	ctx context.Context

	// turn holds a token while some coroutine is executing.
	turn chan struct{}
	wg   sync.WaitGroup

	panicOnce sync.Once
	panicked  bool
	panicval  any
}

// Run creates a new loop, runs main as its first coroutine, and waits for
// main and every coroutine spawned on the loop to return. It returns main's
// error. If any coroutine panicked, Run panics with the first panic value
// after all coroutines have finished.
func Run(ctx context.Context, main func(*Coroutine) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l := &loop{ctx: ctx, turn: make(chan struct{}, 1)}

	var err error
	l.spawn(func(co *Coroutine) { err = main(co) })
	l.wg.Wait()

	if l.panicked {
		panic(l.panicval)
	}
	return err
}

func (l *loop) spawn(fn func(*Coroutine)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		co := &Coroutine{loop: l}
		co.acquire()
		defer co.release()
		defer func() {
			if rv := recover(); rv != nil {
				l.panicOnce.Do(func() {
					l.panicked = true
					l.panicval = rv
				})
			}
		}()
		fn(co)
	}()
}

// Coroutine is a handle to a running coroutine. Its methods must only be
// called from the coroutine's own goroutine while it holds the turn.
type Coroutine struct {
	loop *loop
}

// Context returns the context the loop was started with.
func (co *Coroutine) Context() context.Context {
	return co.loop.ctx
}

// Go spawns fn as a new coroutine on the same loop. It begins running once it
// can obtain the turn, at the earliest when the caller next suspends.
func (co *Coroutine) Go(fn func(*Coroutine)) {
	co.loop.spawn(fn)
}

// Spawn is like [Coroutine.Go], but returns a [Task] for fn's result.
func (co *Coroutine) Spawn(fn func(*Coroutine) (any, error)) *Task {
	t := &Task{done: make(chan struct{})}
	co.Go(func(co *Coroutine) {
		completed := false
		defer func() {
			if !completed {
				t.err = ErrPanicked
			}
			close(t.done)
		}()
		t.value, t.err = fn(co)
		completed = true
	})
	return t
}

// Suspend gives up the turn, calls wait, and takes the turn back before
// returning. Other coroutines on the loop may run while wait blocks.
func (co *Coroutine) Suspend(wait func()) {
	co.release()
	defer co.acquire()
	wait()
}

// Yield gives other coroutines on the loop a chance to run.
func (co *Coroutine) Yield() {
	co.Suspend(runtime.Gosched)
}

func (co *Coroutine) acquire() { co.loop.turn <- struct{}{} }
func (co *Coroutine) release() { <-co.loop.turn }

// Task is the pending or completed result of a coroutine started by
// [Coroutine.Spawn].
type Task struct {
	done  chan struct{}
	value any
	err   error
}

// Await suspends the calling coroutine until t's coroutine returns, then
// returns its result.
func (t *Task) Await(co *Coroutine) (any, error) {
	co.Suspend(func() { <-t.done })
	return t.value, t.err
}

// Done returns a channel that is closed once t's coroutine has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
