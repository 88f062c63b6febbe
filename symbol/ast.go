// Package symbol provides the immutable expression tree used to record
// macros. Symbols render to a small, line-oriented script language that
// Parse reads back and Exec evaluates against a live namespace.
package symbol

import (
	"strconv"
	"strings"
)

// Symbol is the interface implemented by all expression tree nodes.
// Nodes are never mutated after construction; operations such as
// Substitute and Qualify return new trees.
type Symbol interface {
	symbol() // marker method
	String() string
}

// Literal is a primitive value together with its rendered source text.
// A Literal with empty Text is opaque and cannot be rendered.
type Literal struct {
	Value any
	Text  string
}

func (e *Literal) symbol() {}
func (e *Literal) String() string {
	if e.Text == "" {
		return "<unrenderable>"
	}
	return e.Text
}

// Variable is a name bound in the replay namespace (e.g. ui, image_0).
type Variable struct {
	Name string
}

func (e *Variable) symbol() {}
func (e *Variable) String() string {
	return e.Name
}

// Attribute is attribute access (e.g. ui.child).
type Attribute struct {
	Object Symbol
	Name   string
}

func (e *Attribute) symbol() {}
func (e *Attribute) String() string {
	return e.Object.String() + "." + e.Name
}

// Index is subscript access (e.g. ui.table[0]).
type Index struct {
	Object Symbol
	Index  Symbol
}

func (e *Index) symbol() {}
func (e *Index) String() string {
	return e.Object.String() + "[" + e.Index.String() + "]"
}

// Keyword is a named call argument.
type Keyword struct {
	Name  string
	Value Symbol
}

// Call is a function call. Positional arguments render before keywords,
// each group in the order it was built.
type Call struct {
	Func     Symbol
	Args     []Symbol
	Keywords []Keyword
}

func (e *Call) symbol() {}
func (e *Call) String() string {
	var sb strings.Builder
	sb.WriteString(e.Func.String())
	sb.WriteByte('(')
	n := 0
	for _, a := range e.Args {
		if n > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
		n++
	}
	for _, kw := range e.Keywords {
		if n > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(kw.Name)
		sb.WriteByte('=')
		sb.WriteString(kw.Value.String())
		n++
	}
	sb.WriteByte(')')
	return sb.String()
}

// Keyword returns the keyword argument with the given name.
func (e *Call) Keyword(name string) (Symbol, bool) {
	for _, kw := range e.Keywords {
		if kw.Name == name {
			return kw.Value, true
		}
	}
	return nil, false
}

// Assign is an assignment statement (e.g. ui.x.value = 4.0).
type Assign struct {
	Target Symbol
	Value  Symbol
}

func (e *Assign) symbol() {}
func (e *Assign) String() string {
	return e.Target.String() + " = " + e.Value.String()
}

// List is an inline sequence (e.g. [1, 2, 3]).
type List struct {
	Elems []Symbol
}

func (e *List) symbol() {}
func (e *List) String() string {
	parts := make([]string, len(e.Elems))
	for i, el := range e.Elems {
		parts[i] = el.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// DictEntry is one key/value pair of a Dict.
type DictEntry struct {
	Key   Symbol
	Value Symbol
}

// Dict is an inline mapping (e.g. {"a": 1}).
type Dict struct {
	Entries []DictEntry
}

func (e *Dict) symbol() {}
func (e *Dict) String() string {
	parts := make([]string, len(e.Entries))
	for i, en := range e.Entries {
		parts[i] = en.Key.String() + ": " + en.Value.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Comment is a comment line. It evaluates to nothing.
type Comment struct {
	Text string
}

func (e *Comment) symbol() {}
func (e *Comment) String() string {
	return "# " + strings.ReplaceAll(e.Text, "\n", " ")
}

// Var returns a variable reference.
func Var(name string) *Variable {
	return &Variable{Name: name}
}

// Attr builds an attribute chain: Attr(ui, "a", "b") is ui.a.b.
func Attr(obj Symbol, names ...string) Symbol {
	for _, n := range names {
		obj = &Attribute{Object: obj, Name: n}
	}
	return obj
}

// NewCall builds a call with positional arguments only.
func NewCall(fn Symbol, args ...Symbol) *Call {
	return &Call{Func: fn, Args: args}
}

// Int returns an integer literal.
func Int(v int64) *Literal {
	return &Literal{Value: v, Text: strconv.FormatInt(v, 10)}
}

// Uint returns an unsigned integer literal.
func Uint(v uint64) *Literal {
	return &Literal{Value: v, Text: strconv.FormatUint(v, 10)}
}

// Float returns a float literal. NaN and infinities have no source form,
// so they produce an opaque literal.
func Float(v float64) *Literal {
	text := FormatFloat(v)
	return &Literal{Value: v, Text: text}
}

// Str returns a quoted string literal.
func Str(v string) *Literal {
	return &Literal{Value: v, Text: strconv.Quote(v)}
}

// Bool returns true or false.
func Bool(v bool) *Literal {
	return &Literal{Value: v, Text: strconv.FormatBool(v)}
}

// Null returns the null literal.
func Null() *Literal {
	return &Literal{Value: nil, Text: "null"}
}

// Opaque wraps a value that has no source representation.
func Opaque(v any) *Literal {
	return &Literal{Value: v}
}

// FormatFloat renders f so that it always reads back as a float.
// It returns "" for NaN and infinities.
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	switch s {
	case "NaN", "+Inf", "-Inf":
		return ""
	}
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
