package petalmacro

import (
	"context"
	"fmt"

	"github.com/petal-labs/petalmacro/symbol"
)

// BindSource supplies a parameter the caller left out. It runs on the
// session owner while the call is prepared, so it may read tracked state
// freely. The bound value is recorded like an explicit argument, which is
// what lets a replay reproduce it without the source.
type BindSource interface {
	Resolve(ctx context.Context, s *Session, h Handle) (any, error)
}

// BindFunc adapts a function to BindSource.
type BindFunc func(ctx context.Context) (any, error)

// Resolve implements BindSource.
func (f BindFunc) Resolve(ctx context.Context, _ *Session, _ Handle) (any, error) {
	return f(ctx)
}

type bindPath struct {
	path string
	expr symbol.Symbol
}

// BindPath reads the value at a dotted path such as "chosen.value". The
// head is looked up on the called node first and then on the root, so
// siblings and root-level widgets both resolve. A path may also start
// with the root name.
func BindPath(path string) BindSource {
	expr, err := symbol.Parse(path)
	return &bindPath{path: path, expr: exprOrNil(expr, err)}
}

func exprOrNil(expr symbol.Symbol, err error) symbol.Symbol {
	if err != nil {
		return nil
	}
	return expr
}

func (b *bindPath) Resolve(ctx context.Context, s *Session, h Handle) (any, error) {
	if b.expr == nil {
		return nil, fmt.Errorf("invalid bind path %q", b.path)
	}
	head, ok := symbol.Head(b.expr)
	if !ok {
		return nil, fmt.Errorf("invalid bind path %q", b.path)
	}
	ns := s.namespace()
	expr := b.expr
	if n, err := s.tree.get(h); err == nil && n.has(head.Name) {
		expr = symbol.Qualify(s.tree.symbol(h), expr)
	} else if _, ok := ns[head.Name]; !ok {
		expr = symbol.Qualify(s.tree.symbol(s.Root()), expr)
	}
	return symbol.Eval(ctx, expr, ns)
}

type bindStored struct {
	typeName string
	key      string
}

// BindStored supplies the newest value stored in the slot (typeName, key).
func BindStored(typeName, key string) BindSource {
	return bindStored{typeName: typeName, key: key}
}

func (b bindStored) Resolve(_ context.Context, s *Session, _ Handle) (any, error) {
	v, ok := s.stored.Last(b.typeName, b.key)
	if !ok {
		return nil, fmt.Errorf("no stored %s for key %q", b.typeName, b.key)
	}
	return v, nil
}
