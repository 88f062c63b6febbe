// Package convert turns runtime values into symbol trees for recording.
// Primitive values become literals, small containers become inline lists
// and dicts, and anything else needs a rule registered for its exact type.
package convert

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"

	"github.com/petal-labs/petalmacro/symbol"
)

// DefaultMaxInline is the largest container rendered inline.
const DefaultMaxInline = 256

// Func converts a value of a registered type. It receives the converter
// so container rules can convert their elements.
type Func func(c *Converter, v any) (symbol.Symbol, error)

type skipMarker struct{}

// Skip marks an argument that must not be recorded. Calls omit it from
// the argument list entirely.
var Skip any = skipMarker{}

// IsSkip reports whether v is the Skip marker.
func IsSkip(v any) bool {
	_, ok := v.(skipMarker)
	return ok
}

var (
	global     *Converter
	globalOnce sync.Once
)

// Default returns the process-wide converter. On first call it is
// initialized with the built-in rules.
func Default() *Converter {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// Converter holds per-type conversion rules.
type Converter struct {
	mu        sync.RWMutex
	rules     map[reflect.Type]Func
	order     []reflect.Type // preserves registration order
	maxInline int
}

// New returns a converter with the built-in rules registered.
func New() *Converter {
	c := &Converter{
		rules:     make(map[reflect.Type]Func),
		maxInline: DefaultMaxInline,
	}
	registerBuiltins(c)
	return c
}

// SetMaxInline bounds inline lists and dicts. n <= 0 restores the default.
func (c *Converter) SetMaxInline(n int) {
	if n <= 0 {
		n = DefaultMaxInline
	}
	c.mu.Lock()
	c.maxInline = n
	c.mu.Unlock()
}

// MaxInline returns the inline container bound.
func (c *Converter) MaxInline() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxInline
}

// Register installs fn for values whose dynamic type is exactly t.
// Subtypes and pointer types need their own registration. A later
// registration for the same type replaces the earlier one.
func (c *Converter) Register(t reflect.Type, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[t]; !exists {
		c.order = append(c.order, t)
	}
	c.rules[t] = fn
}

// RegisterFunc is the typed form of Register.
func RegisterFunc[T any](c *Converter, fn func(T) (symbol.Symbol, error)) {
	c.Register(reflect.TypeFor[T](), func(_ *Converter, v any) (symbol.Symbol, error) {
		return fn(v.(T))
	})
}

// Has reports whether t has a registered rule.
func (c *Converter) Has(t reflect.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rules[t]
	return ok
}

// Types returns the registered types in registration order.
func (c *Converter) Types() []reflect.Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]reflect.Type, len(c.order))
	copy(out, c.order)
	return out
}

// Clone returns an independent copy sharing no rule table with c.
func (c *Converter) Clone() *Converter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &Converter{
		rules:     make(map[reflect.Type]Func, len(c.rules)),
		order:     append([]reflect.Type(nil), c.order...),
		maxInline: c.maxInline,
	}
	for t, fn := range c.rules {
		out.rules[t] = fn
	}
	return out
}

// Convert returns the symbol recording v. Symbols pass through unchanged.
// Values with no registered rule and no safe inline form fail with
// symbol.ErrNotRenderable.
func (c *Converter) Convert(v any) (symbol.Symbol, error) {
	if s, ok := v.(symbol.Symbol); ok {
		return s, nil
	}
	if v == nil {
		return symbol.Null(), nil
	}
	if IsSkip(v) {
		return nil, fmt.Errorf("convert: skip marker has no representation: %w", symbol.ErrNotRenderable)
	}

	c.mu.RLock()
	fn, ok := c.rules[reflect.TypeOf(v)]
	c.mu.RUnlock()
	if ok {
		return fn(c, v)
	}
	return c.convertKind(v)
}

func (c *Converter) convertKind(v any) (symbol.Symbol, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return symbol.Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return symbol.Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return symbol.Uint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &symbol.NotRenderableError{Value: v}
		}
		return symbol.Float(f), nil
	case reflect.String:
		return symbol.Str(rv.String()), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return symbol.Null(), nil
		}
		if rv.Len() > c.MaxInline() {
			return nil, &symbol.NotRenderableError{Value: v}
		}
		elems := make([]symbol.Symbol, rv.Len())
		for i := range elems {
			s, err := c.Convert(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			elems[i] = s
		}
		return &symbol.List{Elems: elems}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &symbol.NotRenderableError{Value: v}
		}
		if rv.IsNil() {
			return symbol.Null(), nil
		}
		if rv.Len() > c.MaxInline() {
			return nil, &symbol.NotRenderableError{Value: v}
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		entries := make([]symbol.DictEntry, len(keys))
		for i, k := range keys {
			val := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
			s, err := c.Convert(val.Interface())
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			entries[i] = symbol.DictEntry{Key: symbol.Str(k), Value: s}
		}
		return &symbol.Dict{Entries: entries}, nil
	}
	return nil, &symbol.NotRenderableError{Value: v}
}

// ConvertAll converts values in order, returning the first error.
func (c *Converter) ConvertAll(values ...any) ([]symbol.Symbol, error) {
	out := make([]symbol.Symbol, len(values))
	for i, v := range values {
		s, err := c.Convert(v)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
