package petalmacro

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/petalmacro/macro"
	"github.com/petal-labs/petalmacro/symbol"
	"github.com/petal-labs/petalmacro/undo"
)

var _ undo.Replayer = (*Session)(nil)

// Replay re-executes a recorded statement for redo and returns the action
// of the call it makes. Nothing is recorded. Owner-only; the undo engine
// calls it from Session.Redo.
func (s *Session) Replay(ctx context.Context, stmt symbol.Symbol) (undo.Action, error) {
	capture := &replayCapture{}
	ns := s.namespace()
	if _, err := symbol.Exec(withCapture(withoutRecording(ctx), capture), stmt, ns); err != nil {
		return undo.NoReverse(), err
	}
	s.rebindStored(stmt, ns)
	return capture.action, nil
}

// rebindStored points a replayed "name = call" at the new result.
func (s *Session) rebindStored(stmt symbol.Symbol, ns symbol.Namespace) {
	a, ok := stmt.(*symbol.Assign)
	if !ok {
		return
	}
	if v, ok := a.Target.(*symbol.Variable); ok {
		s.stored.Rebind(v.Name, ns[v.Name])
	}
}

// Execute runs macro text against the session, one statement per line.
// Statements are recorded as if the calls were made directly, so running
// a rendered macro on a fresh session reproduces it.
func (s *Session) Execute(ctx context.Context, text string) error {
	return s.ExecuteLines(ctx, strings.Split(text, "\n")...)
}

// ExecuteLines is Execute for pre-split lines. Every line is parsed
// before any runs; a syntax error reports its 1-based line.
func (s *Session) ExecuteLines(ctx context.Context, lines ...string) error {
	stmts := make([]symbol.Symbol, 0, len(lines))
	for i, line := range lines {
		stmt, err := s.parseLine(line)
		if err != nil {
			var se *symbol.SyntaxError
			if errors.As(err, &se) {
				se.Line = i + 1
			}
			return err
		}
		if stmt != nil {
			stmts = append(stmts, stmt)
		}
	}
	return s.do(ctx, func(ctx context.Context) error {
		return symbol.ExecAll(ctx, stmts, s.namespace())
	})
}

// ExecuteRecorded runs recorded statements again, selected by index in
// the order given. With no indices the whole macro runs. The statements
// are taken from a snapshot before any runs, and each run is recorded
// like a direct call.
func (s *Session) ExecuteRecorded(ctx context.Context, indices ...int) error {
	return s.do(ctx, func(ctx context.Context) error {
		sub, err := s.trace.Snapshot().Subset(indices...)
		if err != nil {
			return err
		}
		return symbol.ExecAll(ctx, sub.Statements(), s.namespace())
	})
}

// RepeatMethod calls the method of the statement recorded at index again
// and returns its result. A "name = f(...)" line repeats f. With sameArgs
// the recorded arguments are passed; otherwise the method is called with
// none, so defaults and binds supply them. The new call is recorded.
func (s *Session) RepeatMethod(ctx context.Context, index int, sameArgs bool) (any, error) {
	var result any
	err := s.do(ctx, func(ctx context.Context) error {
		entry, ok := s.trace.At(index)
		if !ok {
			return &macro.IndexError{Op: "repeat", Index: index, Len: s.trace.Len()}
		}
		c := recordedCall(entry.Stmt)
		if c == nil {
			return fmt.Errorf("%w: %s", ErrNotAMethodCall, entry.Text)
		}
		path, ok := symbol.Path(c.Func)
		if !ok || len(path) < 2 {
			return fmt.Errorf("%w: %s", ErrNotAMethodCall, entry.Text)
		}
		h, name, err := s.splitPath(strings.Join(path, "."))
		if err != nil {
			return err
		}
		var args []any
		if sameArgs {
			if args, err = s.recordedArgs(ctx, c); err != nil {
				return err
			}
		}
		result, err = s.Call(ctx, h, name, args...)
		return err
	})
	return result, err
}

func recordedCall(stmt symbol.Symbol) *symbol.Call {
	if a, ok := stmt.(*symbol.Assign); ok {
		stmt = a.Value
	}
	c, _ := stmt.(*symbol.Call)
	return c
}

// recordedArgs evaluates the arguments of c against the replay namespace.
// Owner-only.
func (s *Session) recordedArgs(ctx context.Context, c *symbol.Call) ([]any, error) {
	ns := s.namespace()
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := symbol.Eval(ctx, a, ns)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	kwargs := make([]symbol.KeywordValue, len(c.Keywords))
	for i, kw := range c.Keywords {
		v, err := symbol.Eval(ctx, kw.Value, ns)
		if err != nil {
			return nil, err
		}
		kwargs[i] = symbol.KeywordValue{Name: kw.Name, Value: v}
	}
	return callArgs(args, kwargs), nil
}

// parseLine parses one line through the LRU cache. Parsed statements are
// never mutated, so cached trees are shared.
func (s *Session) parseLine(line string) (symbol.Symbol, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if v, ok := s.parsed.Get(line); ok {
		return v.(symbol.Symbol), nil
	}
	stmt, err := symbol.Parse(line)
	if err != nil {
		return nil, err
	}
	s.parsed.Add(line, stmt)
	return stmt, nil
}
