package offload

import (
	"context"
	"errors"
)

// ErrGoexit is panicked when waiting on a [Future] whose function called
// [runtime.Goexit].
var ErrGoexit = errors.New("offload: job executed runtime.Goexit")

// Future is the pending or completed result of a submitted function.
type Future struct {
	fn   func() (any, error)
	done chan struct{}
	out  outcome
}

// Done returns a channel that is closed once the function has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the function finishes or ctx is done.
//
// Once the function has finished, Wait returns its value and error exactly as
// the function returned them. If the function panicked, Wait panics with the
// same value. If the function called [runtime.Goexit], Wait panics with
// [ErrGoexit]. If ctx is done first, Wait returns ctx.Err() and the function
// keeps running; a later Wait can still obtain its result.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.out.unwrap()
	default:
	}
	select {
	case <-f.done:
		return f.out.unwrap()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Panicked reports whether the function has finished by panicking.
func (f *Future) Panicked() bool {
	select {
	case <-f.done:
		return f.out.kind == panicOutcome
	default:
		return false
	}
}

type outcomeKind uint8

const (
	goexitOutcome outcomeKind = iota
	returnOutcome
	panicOutcome
)

// outcome captures how a job's function exited.
type outcome struct {
	kind     outcomeKind
	value    any
	err      error
	panicval any
}

// capture runs fn in the current goroutine, recovering a panic into the
// outcome. A runtime.Goexit from fn is not stopped.
func capture(fn func() (any, error)) (out outcome) {
	defer func() {
		if out.kind == returnOutcome {
			return
		}
		// Since Go 1.21, panic(nil) recovers a *runtime.PanicNilError, so a nil
		// recovered value here always means runtime.Goexit.
		if rv := recover(); rv != nil {
			out = outcome{kind: panicOutcome, panicval: rv}
		}
	}()
	out.value, out.err = fn()
	out.kind = returnOutcome
	return
}

func goexited() outcome {
	return outcome{kind: goexitOutcome}
}

// unwrap propagates the outcome to the current goroutine.
func (o outcome) unwrap() (any, error) {
	switch o.kind {
	case returnOutcome:
		return o.value, o.err
	case panicOutcome:
		panic(o.panicval)
	default:
		panic(ErrGoexit)
	}
}
