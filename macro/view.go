package macro

import "github.com/petal-labs/petalmacro/symbol"

// View is a node's handle on the shared root trace. Every statement it
// records is qualified with the node's path, so a child recording f(x=1)
// lands in the root as ui.child.f(x=1). Indexes are root indexes.
type View struct {
	trace  *Trace
	prefix symbol.Symbol
}

// NewView returns a view on trace that qualifies statements with prefix.
// A nil prefix records statements unchanged.
func NewView(trace *Trace, prefix symbol.Symbol) View {
	return View{trace: trace, prefix: prefix}
}

// Child returns the view of the attribute name under v.
func (v View) Child(name string) View {
	if v.prefix == nil {
		return View{trace: v.trace, prefix: symbol.Var(name)}
	}
	return View{trace: v.trace, prefix: symbol.Attr(v.prefix, name)}
}

// Trace returns the shared root trace.
func (v View) Trace() *Trace {
	return v.trace
}

// Prefix returns the qualifying symbol.
func (v View) Prefix() symbol.Symbol {
	return v.prefix
}

// Qualify returns stmt as it would be recorded through v.
func (v View) Qualify(stmt symbol.Symbol) symbol.Symbol {
	return symbol.Qualify(v.prefix, stmt)
}

// Append records stmt under the view's prefix.
func (v View) Append(stmt symbol.Symbol) (int, error) {
	return v.trace.Append(v.Qualify(stmt))
}

// AppendOrReplaceLast is Trace.AppendOrReplaceLast with stmt qualified.
// match sees root statements.
func (v View) AppendOrReplaceLast(stmt symbol.Symbol, match func(last symbol.Symbol) bool) (int, bool, error) {
	return v.trace.AppendOrReplaceLast(v.Qualify(stmt), match)
}

// RecordSet records an assignment to the attribute name of this view's
// node, collapsing repeats.
func (v View) RecordSet(name string, value symbol.Symbol) (int, bool, error) {
	return v.trace.RecordSet(v.Qualify(symbol.Var(name)), value)
}

// Replace overwrites the root statement at index with stmt qualified.
func (v View) Replace(index int, stmt symbol.Symbol) error {
	return v.trace.Replace(index, v.Qualify(stmt))
}

// Erase removes the root statement at index.
func (v View) Erase(index int) error {
	return v.trace.Erase(index)
}

// Render renders the whole root trace.
func (v View) Render() string {
	return v.trace.Render()
}
