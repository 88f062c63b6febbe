package petalmacro

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/petal-labs/petalmacro/runtime"
	"github.com/petal-labs/petalmacro/symbol"
	"github.com/petal-labs/petalmacro/undo"
)

// field is a tracked value on a node. Owner-only.
type field struct {
	name      string
	value     any
	onChange  func(ctx context.Context, old, new any)
	validator func(any) (any, error)
	noRecord  bool
}

// FieldOption configures a tracked field.
type FieldOption func(*field)

// OnChange runs fn after every change, including undo and redo. Calls
// fn makes are not recorded.
func OnChange(fn func(ctx context.Context, old, new any)) FieldOption {
	return func(f *field) {
		f.onChange = fn
	}
}

// FieldValidator normalizes values before they are stored or recorded.
func FieldValidator(fn func(any) (any, error)) FieldOption {
	return func(f *field) {
		f.validator = fn
	}
}

// FieldNoRecord makes changes invisible to the trace and the stacks.
func FieldNoRecord() FieldOption {
	return func(f *field) {
		f.noRecord = true
	}
}

// AddField adds a tracked field to node h with an initial value. Setting
// the initial value is not recorded.
func (s *Session) AddField(ctx context.Context, h Handle, name string, initial any, opts ...FieldOption) error {
	f := &field{name: name, value: initial}
	for _, opt := range opts {
		opt(f)
	}
	return s.do(ctx, func(context.Context) error {
		n, err := s.tree.get(h)
		if err != nil {
			return err
		}
		if err := checkName(n, name); err != nil {
			return err
		}
		n.fields[name] = f
		return nil
	})
}

// Get returns the current value of a field.
func (s *Session) Get(ctx context.Context, h Handle, name string) (any, error) {
	var v any
	err := s.do(ctx, func(context.Context) error {
		f, err := s.field(h, name)
		if err != nil {
			return err
		}
		v = f.value
		return nil
	})
	return v, err
}

// Set changes a field and records ui.node.name = value. Consecutive sets
// of the same field collapse into one line and one undo step.
func (s *Session) Set(ctx context.Context, h Handle, name string, v any) error {
	return s.do(ctx, func(ctx context.Context) error {
		f, err := s.field(h, name)
		if err != nil {
			return err
		}
		return s.setField(ctx, h, f, v)
	})
}

func (s *Session) field(h Handle, name string) (*field, error) {
	n, err := s.tree.get(h)
	if err != nil {
		return nil, err
	}
	f, ok := n.fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, strings.Join(s.tree.path(h), "."), name)
	}
	return f, nil
}

// setField runs on the owner.
func (s *Session) setField(ctx context.Context, h Handle, f *field, v any) error {
	if f.validator != nil {
		nv, err := f.validator(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrValidation, f.name, err)
		}
		v = nv
	}
	if reflect.DeepEqual(f.value, v) {
		return nil
	}

	record := !f.noRecord && !recordingSuppressed(ctx)
	view := s.view(h)
	var sym symbol.Symbol
	if record {
		var err error
		if sym, err = s.convertValue(v); err != nil {
			return fmt.Errorf("set %s.%s: %w", strings.Join(s.tree.path(h), "."), f.name, err)
		}
	}

	old := f.value
	s.applyField(ctx, h, f, v)
	action := undo.ReverseWithRedo(
		func(ctx context.Context) error {
			s.applyField(ctx, h, f, old)
			return nil
		},
		func(ctx context.Context) error {
			s.applyField(ctx, h, f, v)
			return nil
		},
	)
	if c, _ := takeCapture(ctx); c != nil {
		c.add(action)
	}
	if !record {
		return nil
	}

	idx, collapsed, err := view.RecordSet(f.name, sym)
	if err != nil {
		return err
	}
	entry, _ := s.trace.At(idx)
	s.recordHistory(entry, action, false, collapsed)
	return nil
}

func (s *Session) applyField(ctx context.Context, h Handle, f *field, v any) {
	old := f.value
	f.value = v
	if f.onChange != nil {
		f.onChange(withoutRecording(ctx), old, v)
	}
	s.emit(s.event(runtime.EventFieldChanged).
		WithNode(strings.Join(s.tree.path(h), "."), f.name).
		WithPayload("value", fmt.Sprint(v)))
}
