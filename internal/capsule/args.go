package capsule

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/mitchellh/copystructure"
	"github.com/samber/lo"
)

// Args is a read-only view of the positional and keyword arguments bound to a
// capsule.
type Args struct {
	positional []any
	named      Kwargs
}

// Len returns the number of positional arguments.
func (a Args) Len() int {
	return len(a.positional)
}

// At returns the positional argument at index i. It panics if i is out of
// range.
func (a Args) At(i int) any {
	return a.positional[i]
}

// Positional returns a copy of the positional arguments.
func (a Args) Positional() []any {
	return slices.Clone(a.positional)
}

// Kwarg returns the keyword argument bound to name, if any.
func (a Args) Kwarg(name string) (value any, ok bool) {
	value, ok = a.named[name]
	return
}

// KwargNames returns the names of all keyword arguments in sorted order.
func (a Args) KwargNames() []string {
	names := lo.Keys(a.named)
	slices.Sort(names)
	return names
}

// Arg returns the positional argument at index i as a T.
func Arg[T any](a Args, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(a.positional) {
		return zero, fmt.Errorf("%w: no positional argument %d", ErrInvalidArgument, i)
	}
	v, ok := a.positional[i].(T)
	if !ok {
		return zero, fmt.Errorf("%w: positional argument %d is %T, not %T", ErrInvalidArgument, i, a.positional[i], zero)
	}
	return v, nil
}

// Kwarg returns the keyword argument bound to name as a T.
func Kwarg[T any](a Args, name string) (T, error) {
	var zero T
	raw, ok := a.named[name]
	if !ok {
		return zero, fmt.Errorf("%w: no keyword argument %q", ErrInvalidArgument, name)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: keyword argument %q is %T, not %T", ErrInvalidArgument, name, raw, zero)
	}
	return v, nil
}

// capture copies the arguments so that later changes by the caller to plain
// data it passed in are not observed by the capsule. See [isolate].
func capture(positional []any, named Kwargs) (Args, error) {
	var args Args
	if len(positional) > 0 {
		args.positional = make([]any, len(positional))
		for i, v := range positional {
			copied, err := isolate(v)
			if err != nil {
				return Args{}, fmt.Errorf("copying positional argument %d: %w", i, err)
			}
			args.positional[i] = copied
		}
	}
	if len(named) > 0 {
		args.named = make(Kwargs, len(named))
		for name, v := range named {
			copied, err := isolate(v)
			if err != nil {
				return Args{}, fmt.Errorf("copying keyword argument %q: %w", name, err)
			}
			args.named[name] = copied
		}
	}
	return args, nil
}

// replay returns a fresh copy of a for a single invocation. Every value in a
// already survived a copy in capture, so copying again cannot fail.
func (a Args) replay() Args {
	var out Args
	if len(a.positional) > 0 {
		out.positional = make([]any, len(a.positional))
		for i, v := range a.positional {
			out.positional[i] = copystructure.Must(isolate(v))
		}
	}
	if len(a.named) > 0 {
		out.named = make(Kwargs, len(a.named))
		for name, v := range a.named {
			out.named[name] = copystructure.Must(isolate(v))
		}
	}
	return out
}

// isolate deep copies v if it is plain data: scalars and strings, and arrays,
// slices, maps, and structs with only exported fields built from them. Any
// other value, such as a pointer, channel, func, interface, or struct with
// unexported fields, is returned unchanged, so the capsule sees exactly the
// reference the caller bound.
func isolate(v any) (any, error) {
	if v == nil || !isPlain(reflect.TypeOf(v), make(map[reflect.Type]bool)) {
		return v, nil
	}
	return copystructure.Copy(v)
}

func isPlain(t reflect.Type, seen map[reflect.Type]bool) bool {
	if plain, ok := seen[t]; ok {
		return plain
	}
	seen[t] = true // Recursive types are plain unless some other part is not.

	var plain bool
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		plain = true
	case reflect.Array, reflect.Slice:
		plain = isPlain(t.Elem(), seen)
	case reflect.Map:
		plain = isPlain(t.Key(), seen) && isPlain(t.Elem(), seen)
	case reflect.Struct:
		plain = true
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() || !isPlain(f.Type, seen) {
				plain = false
				break
			}
		}
	}
	seen[t] = plain
	return plain
}
