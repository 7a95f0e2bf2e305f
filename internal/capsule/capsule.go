// Package capsule binds a blocking function to a name and a fixed set of
// arguments.
//
// A [Capsule] is immutable once constructed. Its plain data arguments are
// deep-copied when the capsule is built and again before every invocation, so
// neither the caller nor the wrapped function can change what later
// invocations receive. Pointers and other references are bound as is.
package capsule

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrInvalidArgument is returned when a capsule cannot be constructed from
// the provided name, function, or arguments.
var ErrInvalidArgument = errors.New("capsule: invalid argument")

// Func is the native form of a capsule's callable. Functions of any other
// signature are adapted by reflection; see [New].
type Func func(Args) (any, error)

// Kwargs holds keyword arguments. A reflected function receives a capsule's
// keyword arguments through a final parameter of this type.
type Kwargs map[string]any

// Capsule pairs a name with a blocking callable and the arguments it is
// invoked with.
type Capsule struct {
	name string
	call Func
	args Args
}

// Option configures the arguments bound to a capsule.
type Option func(*config)

type config struct {
	positional []any
	named      Kwargs
	err        error
}

// WithArgs appends positional arguments.
func WithArgs(values ...any) Option {
	return func(c *config) {
		c.positional = append(c.positional, values...)
	}
}

// WithKwarg binds a single keyword argument, replacing any earlier value bound
// to the same name.
func WithKwarg(name string, value any) Option {
	return func(c *config) {
		if name == "" {
			c.err = errors.Join(c.err, fmt.Errorf("%w: empty keyword argument name", ErrInvalidArgument))
			return
		}
		if c.named == nil {
			c.named = make(Kwargs)
		}
		c.named[name] = value
	}
}

// WithKwargs binds every entry of kwargs as a keyword argument.
func WithKwargs(kwargs map[string]any) Option {
	return func(c *config) {
		for name, value := range kwargs {
			WithKwarg(name, value)(c)
		}
	}
}

// New creates a capsule named name that invokes fn with the arguments bound by
// opts.
//
// fn may be a [Func], in which case it receives the bound [Args] directly.
// Otherwise fn must be a func value. Positional arguments are passed to its
// parameters in order (a variadic final parameter absorbs any remainder), and
// if its final parameter has type [Kwargs] the keyword arguments are passed
// there. Its results must be one of (), (T), (error), or (T, error).
//
// Plain data arguments (scalars, strings, and slices, arrays, maps, and
// exported-field structs of them) are deep copied when bound and again on every
// invocation, so neither the caller nor fn observes the other's later changes
// to them. Every other argument, including pointers and interfaces, is passed
// to fn exactly as bound.
//
// New returns an error wrapping [ErrInvalidArgument] if name is empty, fn is
// not a func, or the bound arguments do not fit fn's signature.
func New(name string, fn any, opts ...Option) (*Capsule, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty capsule name", ErrInvalidArgument)
	}

	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, fmt.Errorf("capsule %q: %w", name, cfg.err)
	}

	args, err := capture(cfg.positional, cfg.named)
	if err != nil {
		return nil, fmt.Errorf("%w: capsule %q: %v", ErrInvalidArgument, name, err)
	}

	call, err := bind(fn, args)
	if err != nil {
		return nil, fmt.Errorf("%w: capsule %q: %v", ErrInvalidArgument, name, err)
	}

	return &Capsule{name: name, call: call, args: args}, nil
}

// Must is like [New] but panics on error.
func Must(name string, fn any, opts ...Option) *Capsule {
	c, err := New(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the capsule's name.
func (c *Capsule) Name() string {
	return c.name
}

// Args returns the arguments bound to the capsule.
func (c *Capsule) Args() Args {
	return c.args
}

// Invoke calls the wrapped function with its bound arguments, blocking for the
// function's full duration. Errors returned by the function are returned
// unchanged, and panics are not recovered.
func (c *Capsule) Invoke() (any, error) {
	return c.call(c.args.replay())
}

// String returns a short description of c for logs.
func (c *Capsule) String() string {
	return fmt.Sprintf("capsule %q", c.name)
}

var (
	errorType  = reflect.TypeFor[error]()
	kwargsType = reflect.TypeFor[Kwargs]()
)

func bind(fn any, args Args) (Func, error) {
	switch fn := fn.(type) {
	case nil:
		return nil, errors.New("callable is nil")
	case Func:
		if fn == nil {
			return nil, errors.New("callable is nil")
		}
		return fn, nil
	case func(Args) (any, error):
		if fn == nil {
			return nil, errors.New("callable is nil")
		}
		return fn, nil
	}

	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%T is not callable", fn)
	}
	if fv.IsNil() {
		return nil, errors.New("callable is nil")
	}

	ft := fv.Type()
	if err := checkResults(ft); err != nil {
		return nil, err
	}
	if err := checkParams(ft, args); err != nil {
		return nil, err
	}
	return reflectedFunc(fv), nil
}

func checkResults(ft reflect.Type) error {
	switch ft.NumOut() {
	case 0, 1:
		return nil
	case 2:
		if ft.Out(1) != errorType {
			return fmt.Errorf("second result of %v must be error", ft)
		}
		return nil
	default:
		return fmt.Errorf("%v returns too many results", ft)
	}
}

func checkParams(ft reflect.Type, args Args) error {
	params := ft.NumIn()
	takesKwargs := params > 0 && ft.In(params-1) == kwargsType
	if takesKwargs {
		params--
	} else if len(args.named) > 0 {
		return fmt.Errorf("%v does not accept keyword arguments", ft)
	}

	variadic := ft.IsVariadic()
	switch {
	case variadic && len(args.positional) < params-1:
		return fmt.Errorf("%v needs at least %d positional arguments, got %d", ft, params-1, len(args.positional))
	case !variadic && len(args.positional) != params:
		return fmt.Errorf("%v needs %d positional arguments, got %d", ft, params, len(args.positional))
	}

	for i, arg := range args.positional {
		pt := paramType(ft, params, variadic, i)
		if arg == nil {
			if !nillable(pt) {
				return fmt.Errorf("positional argument %d: nil is not a valid %v", i, pt)
			}
			continue
		}
		if at := reflect.TypeOf(arg); !at.AssignableTo(pt) {
			return fmt.Errorf("positional argument %d: %v is not assignable to %v", i, at, pt)
		}
	}
	return nil
}

func paramType(ft reflect.Type, params int, variadic bool, i int) reflect.Type {
	if variadic && i >= params-1 {
		return ft.In(params - 1).Elem()
	}
	return ft.In(i)
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	default:
		return false
	}
}

// reflectedFunc adapts a func value whose signature was already checked
// against the capsule's arguments.
func reflectedFunc(fv reflect.Value) Func {
	ft := fv.Type()
	params := ft.NumIn()
	takesKwargs := params > 0 && ft.In(params-1) == kwargsType
	if takesKwargs {
		params--
	}
	variadic := ft.IsVariadic()

	return func(args Args) (any, error) {
		in := make([]reflect.Value, 0, len(args.positional)+1)
		for i, arg := range args.positional {
			if arg == nil {
				in = append(in, reflect.Zero(paramType(ft, params, variadic, i)))
			} else {
				in = append(in, reflect.ValueOf(arg))
			}
		}
		if takesKwargs {
			kw := args.named
			if kw == nil {
				kw = Kwargs{}
			}
			in = append(in, reflect.ValueOf(kw))
		}
		return unpackResults(ft, fv.Call(in))
	}
}

func unpackResults(ft reflect.Type, out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0) == errorType {
			err, _ := out[0].Interface().(error)
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		err, _ := out[1].Interface().(error)
		return out[0].Interface(), err
	}
}
