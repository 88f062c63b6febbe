package convert

import (
	"context"
	"fmt"
	"time"

	"github.com/petal-labs/petalmacro/symbol"
)

// Constructor names emitted by the built-in rules. Builtins binds the same
// names so recorded macros replay.
const (
	DatetimeFunc = "datetime"
	DurationFunc = "duration"
)

// registerBuiltins registers the rules every converter starts with.
// Called by New.
func registerBuiltins(c *Converter) {
	RegisterFunc(c, func(t time.Time) (symbol.Symbol, error) {
		t = t.UTC()
		args := []symbol.Symbol{
			symbol.Int(int64(t.Year())),
			symbol.Int(int64(t.Month())),
			symbol.Int(int64(t.Day())),
			symbol.Int(int64(t.Hour())),
			symbol.Int(int64(t.Minute())),
			symbol.Int(int64(t.Second())),
		}
		if ns := t.Nanosecond(); ns != 0 {
			args = append(args, symbol.Int(int64(ns)))
		}
		return symbol.NewCall(symbol.Var(DatetimeFunc), args...), nil
	})

	RegisterFunc(c, func(d time.Duration) (symbol.Symbol, error) {
		return symbol.NewCall(symbol.Var(DurationFunc), symbol.Str(d.String())), nil
	})
}

// Builtins returns the constructor functions the built-in rules emit,
// ready to merge into a replay namespace.
func Builtins() symbol.Namespace {
	return symbol.Namespace{
		DatetimeFunc: symbol.CallerFunc(datetime),
		DurationFunc: symbol.CallerFunc(duration),
	}
}

func datetime(_ context.Context, args []any, kwargs []symbol.KeywordValue) (any, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: keyword arguments not supported", DatetimeFunc)
	}
	if len(args) < 3 || len(args) > 7 {
		return nil, fmt.Errorf("%s: want 3 to 7 arguments, got %d", DatetimeFunc, len(args))
	}
	parts := make([]int, 7)
	for i, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is %T, want integer", DatetimeFunc, i, a)
		}
		parts[i] = int(n)
	}
	return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC), nil
}

func duration(_ context.Context, args []any, kwargs []symbol.KeywordValue) (any, error) {
	if len(args) != 1 || len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: want 1 argument", DurationFunc)
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%s: argument is %T, want string", DurationFunc, args[0])
	}
	return time.ParseDuration(s)
}
