package symbol

import "reflect"

// Walk visits s and its children depth-first. Children are skipped when
// fn returns false.
func Walk(s Symbol, fn func(Symbol) bool) {
	if s == nil || !fn(s) {
		return
	}
	switch n := s.(type) {
	case *Attribute:
		Walk(n.Object, fn)
	case *Index:
		Walk(n.Object, fn)
		Walk(n.Index, fn)
	case *Call:
		Walk(n.Func, fn)
		for _, a := range n.Args {
			Walk(a, fn)
		}
		for _, kw := range n.Keywords {
			Walk(kw.Value, fn)
		}
	case *Assign:
		Walk(n.Target, fn)
		Walk(n.Value, fn)
	case *List:
		for _, el := range n.Elems {
			Walk(el, fn)
		}
	case *Dict:
		for _, en := range n.Entries {
			Walk(en.Key, fn)
			Walk(en.Value, fn)
		}
	}
}

// Equal reports whether a and b have the same shape and leaf values.
func Equal(a, b Symbol) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case *Literal:
		y, ok := b.(*Literal)
		if !ok {
			return false
		}
		if x.Text == "" && y.Text == "" {
			return reflect.DeepEqual(x.Value, y.Value)
		}
		return x.Text == y.Text
	case *Variable:
		y, ok := b.(*Variable)
		return ok && x.Name == y.Name
	case *Attribute:
		y, ok := b.(*Attribute)
		return ok && x.Name == y.Name && Equal(x.Object, y.Object)
	case *Index:
		y, ok := b.(*Index)
		return ok && Equal(x.Object, y.Object) && Equal(x.Index, y.Index)
	case *Call:
		y, ok := b.(*Call)
		if !ok || len(x.Args) != len(y.Args) || len(x.Keywords) != len(y.Keywords) {
			return false
		}
		if !Equal(x.Func, y.Func) {
			return false
		}
		for i := range x.Args {
			if !Equal(x.Args[i], y.Args[i]) {
				return false
			}
		}
		for i := range x.Keywords {
			if x.Keywords[i].Name != y.Keywords[i].Name || !Equal(x.Keywords[i].Value, y.Keywords[i].Value) {
				return false
			}
		}
		return true
	case *Assign:
		y, ok := b.(*Assign)
		return ok && Equal(x.Target, y.Target) && Equal(x.Value, y.Value)
	case *List:
		y, ok := b.(*List)
		if !ok || len(x.Elems) != len(y.Elems) {
			return false
		}
		for i := range x.Elems {
			if !Equal(x.Elems[i], y.Elems[i]) {
				return false
			}
		}
		return true
	case *Dict:
		y, ok := b.(*Dict)
		if !ok || len(x.Entries) != len(y.Entries) {
			return false
		}
		for i := range x.Entries {
			if !Equal(x.Entries[i].Key, y.Entries[i].Key) || !Equal(x.Entries[i].Value, y.Entries[i].Value) {
				return false
			}
		}
		return true
	case *Comment:
		y, ok := b.(*Comment)
		return ok && x.Text == y.Text
	}
	return false
}

// Substitute replaces every reference to the variable name with repl.
func Substitute(s Symbol, name string, repl Symbol) Symbol {
	return SubstituteAll(s, map[string]Symbol{name: repl})
}

// SubstituteAll replaces variables by name. Attribute and keyword names
// are not variables and are left alone. The input tree is not modified.
func SubstituteAll(s Symbol, repl map[string]Symbol) Symbol {
	switch n := s.(type) {
	case *Variable:
		if r, ok := repl[n.Name]; ok {
			return r
		}
		return n
	case *Attribute:
		return &Attribute{Object: SubstituteAll(n.Object, repl), Name: n.Name}
	case *Index:
		return &Index{Object: SubstituteAll(n.Object, repl), Index: SubstituteAll(n.Index, repl)}
	case *Call:
		out := &Call{Func: SubstituteAll(n.Func, repl)}
		if len(n.Args) > 0 {
			out.Args = make([]Symbol, len(n.Args))
			for i, a := range n.Args {
				out.Args[i] = SubstituteAll(a, repl)
			}
		}
		if len(n.Keywords) > 0 {
			out.Keywords = make([]Keyword, len(n.Keywords))
			for i, kw := range n.Keywords {
				out.Keywords[i] = Keyword{Name: kw.Name, Value: SubstituteAll(kw.Value, repl)}
			}
		}
		return out
	case *Assign:
		return &Assign{Target: SubstituteAll(n.Target, repl), Value: SubstituteAll(n.Value, repl)}
	case *List:
		elems := make([]Symbol, len(n.Elems))
		for i, el := range n.Elems {
			elems[i] = SubstituteAll(el, repl)
		}
		return &List{Elems: elems}
	case *Dict:
		entries := make([]DictEntry, len(n.Entries))
		for i, en := range n.Entries {
			entries[i] = DictEntry{Key: SubstituteAll(en.Key, repl), Value: SubstituteAll(en.Value, repl)}
		}
		return &Dict{Entries: entries}
	}
	return s
}

// Qualify hangs the head of a statement off prefix. For a call the
// callee chain is qualified, for an assignment the target; arguments and
// assigned values are untouched. Qualify(ui.child, f(x=1)) is
// ui.child.f(x=1).
func Qualify(prefix, stmt Symbol) Symbol {
	if prefix == nil {
		return stmt
	}
	switch n := stmt.(type) {
	case *Assign:
		return &Assign{Target: qualifyHead(prefix, n.Target), Value: n.Value}
	case *Comment:
		return n
	}
	return qualifyHead(prefix, stmt)
}

func qualifyHead(prefix, s Symbol) Symbol {
	switch n := s.(type) {
	case *Variable:
		return &Attribute{Object: prefix, Name: n.Name}
	case *Attribute:
		return &Attribute{Object: qualifyHead(prefix, n.Object), Name: n.Name}
	case *Index:
		return &Index{Object: qualifyHead(prefix, n.Object), Index: n.Index}
	case *Call:
		return &Call{Func: qualifyHead(prefix, n.Func), Args: n.Args, Keywords: n.Keywords}
	}
	return s
}

// Path flattens a pure attribute chain (ui.a.b) into its names.
func Path(s Symbol) ([]string, bool) {
	switch n := s.(type) {
	case *Variable:
		return []string{n.Name}, true
	case *Attribute:
		head, ok := Path(n.Object)
		if !ok {
			return nil, false
		}
		return append(head, n.Name), true
	}
	return nil, false
}

// Head returns the variable at the root of an access chain, if any.
func Head(s Symbol) (*Variable, bool) {
	for {
		switch n := s.(type) {
		case *Variable:
			return n, true
		case *Attribute:
			s = n.Object
		case *Index:
			s = n.Object
		case *Call:
			s = n.Func
		case *Assign:
			s = n.Target
		default:
			return nil, false
		}
	}
}
