package petalmacro

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/petal-labs/petalmacro/convert"
	"github.com/petal-labs/petalmacro/symbol"
)

// Materializer resolves the names a replayed statement refers to. path
// is dotted and starts at the root name: "ui.chosen.value" reads a field,
// "ui.child.f" names a method.
type Materializer interface {
	Value(ctx context.Context, path string) (any, error)
	Invoke(ctx context.Context, path string, args []any, kwargs []symbol.KeywordValue) (any, error)
}

var _ Materializer = (*Session)(nil)

// Value returns the field at path, or the Handle of the node at path.
func (s *Session) Value(ctx context.Context, path string) (any, error) {
	var v any
	err := s.do(ctx, func(ctx context.Context) error {
		if h, err := s.tree.lookup(path); err == nil {
			v = h
			return nil
		}
		h, name, err := s.splitPath(path)
		if err != nil {
			return err
		}
		f, err := s.field(h, name)
		if err != nil {
			return err
		}
		v = f.value
		return nil
	})
	return v, err
}

// Invoke calls the method at path.
func (s *Session) Invoke(ctx context.Context, path string, args []any, kwargs []symbol.KeywordValue) (any, error) {
	h, name, err := s.splitPathOwner(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, h, name, callArgs(args, kwargs)...)
}

func (s *Session) splitPathOwner(ctx context.Context, path string) (Handle, string, error) {
	var (
		h    Handle
		name string
	)
	err := s.do(ctx, func(context.Context) error {
		var err error
		h, name, err = s.splitPath(path)
		return err
	})
	return h, name, err
}

// splitPath splits "ui.a.f" into the handle of ui.a and "f". Owner-only.
func (s *Session) splitPath(path string) (Handle, string, error) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownNode, path)
	}
	h, err := s.tree.lookup(path[:i])
	if err != nil {
		return 0, "", err
	}
	return h, path[i+1:], nil
}

func callArgs(args []any, kwargs []symbol.KeywordValue) []any {
	out := make([]any, 0, len(args)+len(kwargs))
	out = append(out, args...)
	for _, kw := range kwargs {
		out = append(out, kw)
	}
	return out
}

// namespace builds the replay namespace: the root node, the converter's
// constructors and the stored values. Owner-only.
func (s *Session) namespace() symbol.Namespace {
	ns := convert.Builtins()
	maps.Copy(ns, s.stored.Namespace())
	ns[s.cfg.RootName] = nodeRef{s: s, h: s.Root()}
	return ns
}

// nodeRef exposes a node to the evaluator.
type nodeRef struct {
	s *Session
	h Handle
}

var (
	_ symbol.Attributer = nodeRef{}
	_ symbol.AttrSetter = nodeRef{}
	_ symbol.Caller     = boundMethod{}
)

func (r nodeRef) Attr(ctx context.Context, name string) (any, error) {
	var v any
	err := r.s.do(ctx, func(context.Context) error {
		n, err := r.s.tree.get(r.h)
		if err != nil {
			return err
		}
		if child, ok := n.children[name]; ok {
			v = nodeRef{s: r.s, h: child}
			return nil
		}
		if f, ok := n.fields[name]; ok {
			v = f.value
			return nil
		}
		if _, ok := n.methods[name]; ok {
			v = boundMethod{s: r.s, h: r.h, name: name}
			return nil
		}
		return fmt.Errorf("%w: %s has no attribute %q", symbol.ErrNoAttribute, strings.Join(r.s.tree.path(r.h), "."), name)
	})
	return v, err
}

func (r nodeRef) SetAttr(ctx context.Context, name string, v any) error {
	return r.s.do(ctx, func(ctx context.Context) error {
		f, err := r.s.field(r.h, name)
		if err != nil {
			return err
		}
		return r.s.setField(ctx, r.h, f, v)
	})
}

func (r nodeRef) String() string {
	return strings.Join(r.s.tree.path(r.h), ".")
}

type boundMethod struct {
	s    *Session
	h    Handle
	name string
}

func (m boundMethod) Call(ctx context.Context, args []any, kwargs []symbol.KeywordValue) (any, error) {
	return m.s.Call(ctx, m.h, m.name, callArgs(args, kwargs)...)
}
