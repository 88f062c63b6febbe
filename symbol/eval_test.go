package symbol

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type point struct {
	X, Y float64
}

type recorder struct {
	calls []string
	attrs map[string]any
}

func (r *recorder) Attr(_ context.Context, name string) (any, error) {
	if v, ok := r.attrs[name]; ok {
		return v, nil
	}
	return CallerFunc(func(_ context.Context, args []any, kwargs []KeywordValue) (any, error) {
		r.calls = append(r.calls, name)
		return len(args) + len(kwargs), nil
	}), nil
}

func (r *recorder) SetAttr(_ context.Context, name string, value any) error {
	r.attrs[name] = value
	return nil
}

func TestExec(t *testing.T) {
	ctx := context.Background()
	ui := &recorder{attrs: map[string]any{}}
	pt := &point{}
	ns := Namespace{
		"ui":    ui,
		"pt":    pt,
		"table": []any{"a", "b"},
		"m":     map[string]any{"k": 1},
	}

	stmts, err := ParseScript(`
ui.f(1, x=2)
ui.value = 4.0
pt.X = 1.5
m.k = "v"
n = table[-1]
`)
	if err != nil {
		t.Fatalf("ParseScript() error = %v", err)
	}
	if err := ExecAll(ctx, stmts, ns); err != nil {
		t.Fatalf("ExecAll() error = %v", err)
	}

	if diff := cmp.Diff([]string{"f"}, ui.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if ui.attrs["value"] != 4.0 {
		t.Errorf("ui.value = %v, want 4.0", ui.attrs["value"])
	}
	if pt.X != 1.5 {
		t.Errorf("pt.X = %v, want 1.5", pt.X)
	}
	if ns["m"].(map[string]any)["k"] != "v" {
		t.Errorf("m.k = %v", ns["m"])
	}
	if ns["n"] != "b" {
		t.Errorf("n = %v, want b", ns["n"])
	}
}

func TestEvalContainers(t *testing.T) {
	sym, err := Parse(`{"a": [1, 2.0, "s"], "b": null}`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Eval(context.Background(), sym, nil)
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	want := map[string]any{"a": []any{int64(1), 2.0, "s"}, "b": nil}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Eval() mismatch (-want +got):\n%s", diff)
	}
}

func TestEvalErrors(t *testing.T) {
	ns := Namespace{"x": 1, "s": []int{1}}
	tests := []struct {
		input string
		want  error
	}{
		{"missing.f()", ErrUndefined},
		{"x()", ErrNotCallable},
		{"x.attr", ErrNoAttribute},
		{"x[0]", ErrNotIndexable},
		{"x.attr = 1", ErrNotAssignable},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			sym, err := Parse(tt.input)
			if err != nil {
				t.Fatal(err)
			}
			_, err = Exec(context.Background(), sym, ns)
			if !errors.Is(err, tt.want) {
				t.Errorf("Exec(%q) error = %v, want %v", tt.input, err, tt.want)
			}
		})
	}
}

func TestExecAllStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ExecAll(ctx, []Symbol{Int(1)}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ExecAll() error = %v, want context.Canceled", err)
	}
}
