package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.alexhamlin.co/twill/internal/capsule"
	"go.alexhamlin.co/twill/internal/loop"
	"go.alexhamlin.co/twill/internal/offload"
)

func addCapsule() *capsule.Capsule {
	return capsule.Must("add", func(a, b int) int { return a + b }, capsule.WithArgs(3, 4))
}

func helloCapsule() *capsule.Capsule {
	return capsule.Must("hello", func(kw capsule.Kwargs) string {
		return fmt.Sprintf("Hello, %s!", kw["name"])
	}, capsule.WithKwarg("name", "Twill"))
}

func constCapsule(name string, value any) *capsule.Capsule {
	return capsule.Must(name, func() any { return value })
}

func newPool(t *testing.T, workers int) *offload.Pool {
	t.Helper()
	pool := offload.NewPool(offload.Options{Workers: workers})
	t.Cleanup(func() { assert.NoError(t, pool.Shutdown(context.Background())) })
	return pool
}

func newRegistry(t *testing.T, capsules ...*capsule.Capsule) *Registry {
	t.Helper()
	r, err := New(newPool(t, 2), capsules...)
	require.NoError(t, err)
	return r
}

// onLoop runs fn as the main coroutine of a new loop.
func onLoop(t *testing.T, fn func(co *loop.Coroutine)) {
	t.Helper()
	err := loop.Run(t.Context(), func(co *loop.Coroutine) error {
		fn(co)
		return nil
	})
	require.NoError(t, err)
}

func TestNewDistinctNames(t *testing.T) {
	r := newRegistry(t, addCapsule(), helloCapsule())
	assert.True(t, r.Names().Equal(mapset.NewSet("add", "hello")), "unexpected names: %v", r.Names())
	assert.Equal(t, []string{"add", "hello"}, r.Ordered())
	assert.Equal(t, 2, r.Len())
}

func TestNewEmpty(t *testing.T) {
	r := newRegistry(t)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Names().Cardinality())
}

func TestNewInvalid(t *testing.T) {
	pool := newPool(t, 1)

	_, err := New(pool, addCapsule(), constCapsule("add", 1))
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = New(pool, addCapsule(), nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = New(nil, addCapsule())
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestAdd(t *testing.T) {
	r := newRegistry(t, addCapsule())
	require.NoError(t, r.Add(helloCapsule(), false))
	assert.Equal(t, []string{"add", "hello"}, r.Ordered())

	assert.ErrorIs(t, r.Add(nil, false), ErrTypeMismatch)
	assert.ErrorIs(t, r.Add(nil, true), ErrTypeMismatch)
}

func TestAddDuplicateLeavesOriginal(t *testing.T) {
	original := addCapsule()
	r := newRegistry(t, original)

	err := r.Add(constCapsule("add", "replacement"), false)
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, []*capsule.Capsule{original}, r.Snapshot())

	onLoop(t, func(co *loop.Coroutine) {
		got, err := r.Call(co, "add")
		assert.NoError(t, err)
		assert.Equal(t, 7, got)
	})
}

func TestAddForceReplaces(t *testing.T) {
	r := newRegistry(t, addCapsule(), helloCapsule())
	require.NoError(t, r.Add(constCapsule("add", "replacement"), true))

	// The replaced name keeps its original position.
	assert.Equal(t, []string{"add", "hello"}, r.Ordered())

	onLoop(t, func(co *loop.Coroutine) {
		got, err := r.Call(co, "add")
		assert.NoError(t, err)
		assert.Equal(t, "replacement", got)
	})
}

func TestContains(t *testing.T) {
	r := newRegistry(t, addCapsule())
	assert.True(t, r.Contains("add"))
	assert.False(t, r.Contains("hello"))
	assert.False(t, r.Contains(123))
	assert.False(t, r.Contains(nil))
	assert.False(t, r.Contains([]byte("add")))
}

func TestNamesSnapshot(t *testing.T) {
	r := newRegistry(t, addCapsule())
	names := r.Names()
	ordered := r.Ordered()

	require.NoError(t, r.Add(helloCapsule(), false))

	assert.True(t, names.Equal(mapset.NewSet("add")), "snapshot changed: %v", names)
	assert.Equal(t, []string{"add"}, ordered)
	assert.True(t, r.Names().Equal(mapset.NewSet("add", "hello")))
	assert.True(t, mapset.NewSet("add").IsSubset(r.Names()))
	assert.ElementsMatch(t, []string{"add", "hello", "sub"}, r.Names().Union(mapset.NewSet("sub")).ToSlice())
}

func TestCallRoundTrip(t *testing.T) {
	r := newRegistry(t, addCapsule(), helloCapsule())
	onLoop(t, func(co *loop.Coroutine) {
		got := make(map[string]any)
		for _, name := range r.Ordered() {
			value, err := r.Call(co, name)
			assert.NoError(t, err)
			got[name] = value
		}
		want := map[string]any{"add": 7, "hello": "Hello, Twill!"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("unexpected results (-want +got): %s", diff)
		}
	})
}

func TestCallErrors(t *testing.T) {
	r := newRegistry(t, addCapsule())
	onLoop(t, func(co *loop.Coroutine) {
		_, err := r.Call(co, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = r.Call(co, "")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = r.CallKey(co, 123)
		assert.ErrorIs(t, err, ErrTypeMismatch)
		assert.NotErrorIs(t, err, ErrNotFound)

		got, err := r.CallKey(co, "add")
		assert.NoError(t, err)
		assert.Equal(t, 7, got)
	})

	// Only the successful call reached the pool.
	assert.Equal(t, uint64(1), r.Pool().Stats().Submitted)
}

func TestCallPreservesCapsuleError(t *testing.T) {
	errBoom := errors.New("boom")
	r := newRegistry(t, capsule.Must("fail", func() error { return errBoom }))
	onLoop(t, func(co *loop.Coroutine) {
		_, err := r.Call(co, "fail")
		assert.True(t, err == errBoom, "error was wrapped or replaced: %v", err)
	})
}

func TestCallPropagatesPanic(t *testing.T) {
	const want = "the expected panic value"
	r := newRegistry(t, capsule.Must("panic", func() { panic(want) }))
	assert.PanicsWithValue(t, want, func() {
		loop.Run(t.Context(), func(co *loop.Coroutine) error {
			r.Call(co, "panic")
			return nil
		})
	})
}

func TestCallDoesNotStallLoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		// Each capsule blocks until both are running, so the calls only finish if
		// the loop keeps scheduling coroutines while the first call is pending.
		var (
			arrived = make(chan struct{}, 2)
			release = make(chan struct{})
		)
		rendezvous := func(name string) *capsule.Capsule {
			return capsule.Must(name, func() string {
				arrived <- struct{}{}
				<-release
				return name
			})
		}
		r := newRegistry(t, rendezvous("left"), rendezvous("right"))

		results := make(chan any, 2)
		go func() {
			<-arrived
			<-arrived
			close(release)
		}()
		onLoop(t, func(co *loop.Coroutine) {
			for _, name := range r.Ordered() {
				co.Go(func(co *loop.Coroutine) {
					v, err := r.Call(co, name)
					assert.NoError(t, err)
					results <- v
				})
			}
		})

		close(results)
		var got []any
		for v := range results {
			got = append(got, v)
		}
		assert.ElementsMatch(t, []any{"left", "right"}, got)
	})
}

func TestCallContextDone(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		r := newRegistry(t, capsule.Must("slow", func() string { <-release; return "done" }))

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		err := loop.Run(ctx, func(co *loop.Coroutine) error {
			_, err := r.Call(co, "slow")
			return err
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// The invocation was left running and finishes on its own.
		close(release)
		synctest.Wait()
		assert.Equal(t, offload.Stats{Submitted: 1, Completed: 1}, r.Pool().Stats())
	})
}

func TestConcurrentAddAndCall(t *testing.T) {
	r := newRegistry(t, addCapsule())
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			name := fmt.Sprintf("const%d", i)
			assert.NoError(t, r.Add(constCapsule(name, i), false))
			assert.NoError(t, r.Add(constCapsule(name, i), true))
			assert.True(t, r.Contains(name))
		})
		wg.Go(func() {
			onLoop(t, func(co *loop.Coroutine) {
				got, err := r.Call(co, "add")
				assert.NoError(t, err)
				assert.Equal(t, 7, got)
			})
		})
	}
	wg.Wait()
	assert.Equal(t, 9, r.Names().Cardinality())
}
