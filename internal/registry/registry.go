// Package registry dispatches named capsules through an offload pool on behalf
// of cooperative coroutines.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"

	"go.alexhamlin.co/twill/internal/capsule"
	"go.alexhamlin.co/twill/internal/log"
	"go.alexhamlin.co/twill/internal/loop"
	"go.alexhamlin.co/twill/internal/offload"
)

var (
	// ErrTypeMismatch is returned when an operation receives a value of the
	// wrong type, such as a nil capsule or a non-string name.
	ErrTypeMismatch = errors.New("registry: type mismatch")

	// ErrDuplicateName is returned when a capsule's name is already taken.
	ErrDuplicateName = errors.New("registry: duplicate name")

	// ErrNotFound is returned when calling a name that is not registered.
	ErrNotFound = errors.New("registry: name not found")
)

// Registry maps names to capsules and invokes them on an [offload.Pool].
//
// A Registry is safe for concurrent use. Enumeration follows the order in
// which names were first registered.
type Registry struct {
	pool *offload.Pool

	mu       sync.RWMutex
	capsules map[string]*capsule.Capsule
	order    []string
}

// New creates a registry that dispatches through pool, populated with the
// provided capsules. It fails with [ErrTypeMismatch] if pool or any capsule
// is nil, and with [ErrDuplicateName] if two capsules share a name.
func New(pool *offload.Pool, capsules ...*capsule.Capsule) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrTypeMismatch)
	}
	if i := slices.IndexFunc(capsules, func(c *capsule.Capsule) bool { return c == nil }); i >= 0 {
		return nil, fmt.Errorf("%w: capsule %d is nil", ErrTypeMismatch, i)
	}
	if dups := lo.FindDuplicatesBy(capsules, (*capsule.Capsule).Name); len(dups) > 0 {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, dups[0].Name())
	}

	r := &Registry{
		pool:     pool,
		capsules: make(map[string]*capsule.Capsule, len(capsules)),
		order:    make([]string, 0, len(capsules)),
	}
	for _, c := range capsules {
		r.capsules[c.Name()] = c
		r.order = append(r.order, c.Name())
	}
	return r, nil
}

// Pool returns the pool that the registry dispatches through.
func (r *Registry) Pool() *offload.Pool {
	return r.pool
}

// Add registers c under its name. If the name is taken, Add fails with
// [ErrDuplicateName] and leaves the registry unchanged, unless force is true,
// in which case c replaces the existing capsule for all future lookups.
// Invocations of the replaced capsule already in flight are unaffected.
func (r *Registry) Add(c *capsule.Capsule, force bool) error {
	if c == nil {
		return fmt.Errorf("%w: nil capsule", ErrTypeMismatch)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, ok := r.capsules[name]; ok {
		if !force {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		log.Verbosef("registry: replacing %q", name)
	} else {
		r.order = append(r.order, name)
	}
	r.capsules[name] = c
	return nil
}

// Contains reports whether name is a registered string. Values of any other
// type are never contained.
func (r *Registry) Contains(name any) bool {
	s, ok := name.(string)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok = r.capsules[s]
	return ok
}

// Names returns a snapshot of the registered names. Later changes to the
// registry do not affect the returned set.
func (r *Registry) Names() mapset.Set[string] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return mapset.NewSet(r.order...)
}

// Ordered returns the registered names in registration order.
func (r *Registry) Ordered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot returns the registered capsules in registration order.
func (r *Registry) Snapshot() []*capsule.Capsule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(name string, _ int) *capsule.Capsule {
		return r.capsules[name]
	})
}

// Call invokes the capsule registered under name on the registry's pool,
// suspending co until the invocation finishes.
//
// An unregistered name fails with [ErrNotFound] before co suspends. Otherwise
// Call returns the capsule's value and error exactly as [capsule.Capsule.Invoke]
// produced them, or re-panics the capsule's panic. If co's context is done
// before the invocation finishes, Call returns the context's error and leaves
// the invocation running.
func (r *Registry) Call(co *loop.Coroutine, name string) (any, error) {
	c, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return r.dispatch(co, c)
}

// CallKey is like [Registry.Call] for a dynamically typed key, failing with
// [ErrTypeMismatch] if key is not a string.
func (r *Registry) CallKey(co *loop.Coroutine, key any) (any, error) {
	name, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("%w: name must be a string, got %T", ErrTypeMismatch, key)
	}
	return r.Call(co, name)
}

func (r *Registry) lookup(name string) (*capsule.Capsule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capsules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return c, nil
}

func (r *Registry) dispatch(co *loop.Coroutine, c *capsule.Capsule) (value any, err error) {
	log.Verbosef("registry: dispatching %q", c.Name())
	co.Suspend(func() {
		value, err = r.pool.Do(co.Context(), c.Invoke)
	})
	return
}
