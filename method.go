package petalmacro

import (
	"context"
	"fmt"
	"reflect"

	"github.com/petal-labs/petalmacro/symbol"
	"github.com/petal-labs/petalmacro/undo"
)

// Func is the body of a tracked method. It returns the call's result and
// the action that reverses it; undo.NoReverse() marks a call that cannot
// be undone.
type Func func(ctx context.Context, args Args) (any, undo.Action, error)

// Plain adapts a body that has no reverse.
func Plain(fn func(ctx context.Context, args Args) (any, error)) Func {
	return func(ctx context.Context, args Args) (any, undo.Action, error) {
		out, err := fn(ctx, args)
		return out, undo.NoReverse(), err
	}
}

// ParamKind controls how a recorded argument is rendered.
type ParamKind int

const (
	// Keyword parameters render as name=value. This is the default.
	Keyword ParamKind = iota
	// Positional parameters render by position until an earlier argument
	// is omitted or rendered as a keyword.
	Positional
)

// RecordPolicy decides whether an argument appears in the recorded call.
type RecordPolicy int

const (
	// RecordAuto omits arguments equal to the parameter's default.
	RecordAuto RecordPolicy = iota
	// RecordAlways records the argument even when it equals the default.
	RecordAlways
	// RecordNever leaves the argument out of the recorded call.
	RecordNever
)

// Param declares one method parameter. Build it with NewParam and the
// With methods.
type Param struct {
	Name       string
	Kind       ParamKind
	Default    any
	HasDefault bool
	Bind       BindSource
	Validator  func(any) (any, error)
	Record     RecordPolicy
}

// NewParam returns a required keyword parameter.
func NewParam(name string) Param {
	return Param{Name: name}
}

// WithDefault sets the value used when no argument is supplied.
func (p Param) WithDefault(v any) Param {
	p.Default = v
	p.HasDefault = true
	return p
}

// AsPositional renders the argument positionally.
func (p Param) AsPositional() Param {
	p.Kind = Positional
	return p
}

// WithBind supplies the argument from src when the caller omits it.
func (p Param) WithBind(src BindSource) Param {
	p.Bind = src
	return p
}

// WithValidator normalizes the argument before it is recorded or used.
func (p Param) WithValidator(fn func(any) (any, error)) Param {
	p.Validator = fn
	return p
}

// WithRecord sets the record policy.
func (p Param) WithRecord(policy RecordPolicy) Param {
	p.Record = policy
	return p
}

// Method is a tracked callable attached to a node.
type Method struct {
	name          string
	params        []Param
	fn            Func
	noRecord      bool
	autoCall      bool
	clearsHistory bool
	storable      bool
	storeKey      string
	deferred      bool
	preview       Previewer
	onProgress    func(ctx context.Context, v any)
}

// MethodOption configures a Method.
type MethodOption func(*Method)

// Params declares the method's parameters in signature order.
func Params(params ...Param) MethodOption {
	return func(m *Method) {
		m.params = append(m.params, params...)
	}
}

// NoRecord makes calls run without touching the trace or the stacks.
func NoRecord() MethodOption {
	return func(m *Method) {
		m.noRecord = true
	}
}

// AutoCall collapses a run of calls to the method into the last one,
// as for sliders that fire on every change.
func AutoCall() MethodOption {
	return func(m *Method) {
		m.autoCall = true
	}
}

// ClearsHistory makes a call without a reverse also drop the undo stack.
func ClearsHistory() MethodOption {
	return func(m *Method) {
		m.clearsHistory = true
	}
}

// Storable records the result under a generated variable
// (image_0 = ui.load(...)) that later calls reference. key separates
// independent slots of the same type.
func Storable(key string) MethodOption {
	return func(m *Method) {
		m.storable = true
		m.storeKey = key
	}
}

// Deferred runs the body on a worker goroutine.
func Deferred() MethodOption {
	return func(m *Method) {
		m.deferred = true
	}
}

// OnProgress receives values the deferred body passes to Progress. It
// runs on the session owner.
func OnProgress(fn func(ctx context.Context, v any)) MethodOption {
	return func(m *Method) {
		m.onProgress = fn
	}
}

// WithPreview attaches the enter/exit bracket used by Session.Preview.
func WithPreview(p Previewer) MethodOption {
	return func(m *Method) {
		m.preview = p
	}
}

// NewMethod creates a tracked method.
func NewMethod(name string, fn Func, opts ...MethodOption) *Method {
	m := &Method{name: name, fn: fn}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the method name.
func (m *Method) Name() string {
	return m.name
}

// Args holds the resolved arguments of a call, by parameter name.
type Args struct {
	values map[string]any
}

// Get returns the argument named name.
func (a Args) Get(name string) any {
	return a.values[name]
}

// Has reports whether the argument is present.
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// Float returns a numeric argument as float64.
func (a Args) Float(name string) float64 {
	v, _ := Arg[float64](a, name)
	return v
}

// Int returns a numeric argument as int64.
func (a Args) Int(name string) int64 {
	v, _ := Arg[int64](a, name)
	return v
}

// String returns a string argument.
func (a Args) String(name string) string {
	v, _ := Arg[string](a, name)
	return v
}

// Arg returns the argument converted to T. Numeric kinds convert into
// each other, so an int recorded as 3 reads back as float64 when asked.
func Arg[T any](a Args, name string) (T, error) {
	var zero T
	v, ok := a.values[name]
	if !ok || v == nil {
		return zero, fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	want := reflect.TypeFor[T]()
	rv := reflect.ValueOf(v)
	if isNumber(rv.Kind()) && isNumber(want.Kind()) {
		return rv.Convert(want).Interface().(T), nil
	}
	return zero, fmt.Errorf("argument %s is %T, want %s", name, v, want)
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Kw passes a keyword argument to Session.Call.
func Kw(name string, v any) symbol.KeywordValue {
	return symbol.KeywordValue{Name: name, Value: v}
}
