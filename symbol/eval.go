package symbol

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Evaluation errors.
var (
	ErrUndefined     = errors.New("undefined name")
	ErrNoAttribute   = errors.New("no such attribute")
	ErrNotIndexable  = errors.New("value is not indexable")
	ErrNotCallable   = errors.New("value is not callable")
	ErrNotAssignable = errors.New("target is not assignable")
)

// Namespace binds the variables visible to a macro (ui, datetime, image_0).
type Namespace map[string]any

// Attributer resolves attribute access on a value.
type Attributer interface {
	Attr(ctx context.Context, name string) (any, error)
}

// AttrSetter handles attribute assignment (ui.x.value = 4.0).
type AttrSetter interface {
	SetAttr(ctx context.Context, name string, value any) error
}

// Indexer resolves subscript access.
type Indexer interface {
	Item(ctx context.Context, key any) (any, error)
}

// ItemSetter handles subscript assignment.
type ItemSetter interface {
	SetItem(ctx context.Context, key, value any) error
}

// KeywordValue is an evaluated keyword argument.
type KeywordValue struct {
	Name  string
	Value any
}

// Caller is implemented by values that can be invoked from a macro.
type Caller interface {
	Call(ctx context.Context, args []any, kwargs []KeywordValue) (any, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, args []any, kwargs []KeywordValue) (any, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, args []any, kwargs []KeywordValue) (any, error) {
	return f(ctx, args, kwargs)
}

// Exec runs one statement. Assignments return nil; comments are skipped.
func Exec(ctx context.Context, stmt Symbol, ns Namespace) (any, error) {
	switch n := stmt.(type) {
	case nil, *Comment:
		return nil, nil
	case *Assign:
		value, err := Eval(ctx, n.Value, ns)
		if err != nil {
			return nil, err
		}
		return nil, assign(ctx, n.Target, value, ns)
	}
	return Eval(ctx, stmt, ns)
}

// ExecAll runs statements in order and stops at the first error.
func ExecAll(ctx context.Context, stmts []Symbol, ns Namespace) error {
	for i, s := range stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := Exec(ctx, s, ns); err != nil {
			return fmt.Errorf("statement %d (%s): %w", i, s, err)
		}
	}
	return nil
}

// Eval evaluates an expression.
func Eval(ctx context.Context, expr Symbol, ns Namespace) (any, error) {
	switch n := expr.(type) {
	case *Literal:
		if n.Text == "" {
			return nil, &NotRenderableError{Value: n.Value}
		}
		return n.Value, nil

	case *Variable:
		v, ok := ns[n.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefined, n.Name)
		}
		return v, nil

	case *Attribute:
		obj, err := Eval(ctx, n.Object, ns)
		if err != nil {
			return nil, err
		}
		return getAttr(ctx, obj, n.Name)

	case *Index:
		obj, err := Eval(ctx, n.Object, ns)
		if err != nil {
			return nil, err
		}
		key, err := Eval(ctx, n.Index, ns)
		if err != nil {
			return nil, err
		}
		return getItem(ctx, obj, key)

	case *Call:
		fn, err := Eval(ctx, n.Func, ns)
		if err != nil {
			return nil, err
		}
		caller, ok := fn.(Caller)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotCallable, n.Func)
		}
		args := make([]any, len(n.Args))
		for i, a := range n.Args {
			if args[i], err = Eval(ctx, a, ns); err != nil {
				return nil, err
			}
		}
		kwargs := make([]KeywordValue, len(n.Keywords))
		for i, kw := range n.Keywords {
			v, err := Eval(ctx, kw.Value, ns)
			if err != nil {
				return nil, err
			}
			kwargs[i] = KeywordValue{Name: kw.Name, Value: v}
		}
		return caller.Call(ctx, args, kwargs)

	case *List:
		out := make([]any, len(n.Elems))
		for i, el := range n.Elems {
			v, err := Eval(ctx, el, ns)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case *Dict:
		out := make(map[string]any, len(n.Entries))
		for _, en := range n.Entries {
			k, err := Eval(ctx, en.Key, ns)
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("dict key %s is %T, want string", en.Key, k)
			}
			if out[ks], err = Eval(ctx, en.Value, ns); err != nil {
				return nil, err
			}
		}
		return out, nil

	case *Assign:
		return nil, fmt.Errorf("assignment %s used as expression", n)
	}
	return nil, fmt.Errorf("cannot evaluate %T", expr)
}

func assign(ctx context.Context, target Symbol, value any, ns Namespace) error {
	switch t := target.(type) {
	case *Variable:
		ns[t.Name] = value
		return nil
	case *Attribute:
		obj, err := Eval(ctx, t.Object, ns)
		if err != nil {
			return err
		}
		if s, ok := obj.(AttrSetter); ok {
			return s.SetAttr(ctx, t.Name, value)
		}
		return setReflect(obj, t.Name, value)
	case *Index:
		obj, err := Eval(ctx, t.Object, ns)
		if err != nil {
			return err
		}
		key, err := Eval(ctx, t.Index, ns)
		if err != nil {
			return err
		}
		if s, ok := obj.(ItemSetter); ok {
			return s.SetItem(ctx, key, value)
		}
		return setReflect(obj, key, value)
	}
	return fmt.Errorf("%w: %s", ErrNotAssignable, target)
}

func getAttr(ctx context.Context, obj any, name string) (any, error) {
	if a, ok := obj.(Attributer); ok {
		return a.Attr(ctx, name)
	}
	rv := reflect.Indirect(reflect.ValueOf(obj))
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
			if v.IsValid() {
				return v.Interface(), nil
			}
		}
	case reflect.Struct:
		f := rv.FieldByName(name)
		if f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
	}
	return nil, fmt.Errorf("%w: %T has no attribute %q", ErrNoAttribute, obj, name)
}

func getItem(ctx context.Context, obj, key any) (any, error) {
	if ix, ok := obj.(Indexer); ok {
		return ix.Item(ctx, key)
	}
	rv := reflect.Indirect(reflect.ValueOf(obj))
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
		i, ok := toInt(key)
		if !ok {
			return nil, fmt.Errorf("index %v is %T, want integer", key, key)
		}
		if i < 0 {
			i += rv.Len()
		}
		if i < 0 || i >= rv.Len() {
			return nil, fmt.Errorf("index %d out of range [0, %d)", i, rv.Len())
		}
		return rv.Index(i).Interface(), nil
	case reflect.Map:
		kv := reflect.ValueOf(key)
		if !kv.IsValid() || !kv.Type().ConvertibleTo(rv.Type().Key()) {
			return nil, fmt.Errorf("%w: key %v", ErrNotIndexable, key)
		}
		v := rv.MapIndex(kv.Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, fmt.Errorf("key %v not found", key)
		}
		return v.Interface(), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrNotIndexable, obj)
}

// setReflect assigns into maps, slices and pointed-to structs.
func setReflect(obj, key, value any) error {
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		kv := reflect.ValueOf(key)
		if !kv.IsValid() || !kv.Type().ConvertibleTo(rv.Type().Key()) {
			break
		}
		vv, err := convertValue(value, rv.Type().Elem())
		if err != nil {
			return err
		}
		rv.SetMapIndex(kv.Convert(rv.Type().Key()), vv)
		return nil
	case reflect.Slice:
		i, ok := toInt(key)
		if !ok || i < 0 || i >= rv.Len() {
			break
		}
		vv, err := convertValue(value, rv.Type().Elem())
		if err != nil {
			return err
		}
		rv.Index(i).Set(vv)
		return nil
	case reflect.Struct:
		name, ok := key.(string)
		if !ok {
			break
		}
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanSet() {
			break
		}
		vv, err := convertValue(value, f.Type())
		if err != nil {
			return err
		}
		f.Set(vv)
		return nil
	}
	return fmt.Errorf("%w: %T[%v]", ErrNotAssignable, obj, key)
}

func convertValue(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) {
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}
