// Package undo implements the undo/redo command stacks layered on the
// macro trace.
package undo

import "context"

// Func is one phase of a reversible action.
type Func func(ctx context.Context) error

// Kind tags the variant held by an Action.
type Kind int

const (
	// KindNone is an action with no reverse. The zero Action has this kind.
	KindNone Kind = iota
	// KindReverse carries a reverse; redo replays the recorded statement.
	KindReverse
	// KindReverseRedo carries a reverse and a custom redo.
	KindReverseRedo
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindReverse:
		return "reverse"
	case KindReverseRedo:
		return "reverse+redo"
	}
	return "unknown"
}

// Action is what a forward call hands back to make itself undoable.
type Action struct {
	kind    Kind
	reverse Func
	redo    Func
}

// NoReverse is the action of a call that cannot be undone.
func NoReverse() Action {
	return Action{}
}

// Reverse returns an action undone by fn. Redo re-executes the recorded
// statement text.
func Reverse(fn Func) Action {
	if fn == nil {
		return Action{}
	}
	return Action{kind: KindReverse, reverse: fn}
}

// ReverseWithRedo returns an action with its own redo, used instead of
// replaying the statement.
func ReverseWithRedo(reverse, redo Func) Action {
	switch {
	case reverse == nil:
		return Action{}
	case redo == nil:
		return Reverse(reverse)
	}
	return Action{kind: KindReverseRedo, reverse: reverse, redo: redo}
}

// Kind returns the variant tag.
func (a Action) Kind() Kind {
	return a.kind
}

// Undoable reports whether a has a reverse.
func (a Action) Undoable() bool {
	return a.kind != KindNone
}

// HasRedo reports whether a carries a custom redo.
func (a Action) HasRedo() bool {
	return a.kind == KindReverseRedo
}

// Then folds next into a as a single step: the reverse undoes next and
// then a, the redo reapplies a and then next. It is used when a repeat
// collapses into the statement a recorded.
func (a Action) Then(next Action) Action {
	if !a.Undoable() {
		return next
	}
	if !next.Undoable() {
		return a
	}
	rev := func(ctx context.Context) error {
		if err := next.reverse(ctx); err != nil {
			return err
		}
		return a.reverse(ctx)
	}
	if !a.HasRedo() || !next.HasRedo() {
		return Reverse(rev)
	}
	redo := func(ctx context.Context) error {
		if err := a.redo(ctx); err != nil {
			return err
		}
		return next.redo(ctx)
	}
	return ReverseWithRedo(rev, redo)
}
