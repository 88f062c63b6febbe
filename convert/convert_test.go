package convert

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/petal-labs/petalmacro/symbol"
)

type mode string

type bulk struct {
	data []float64
}

func TestConvertPrimitives(t *testing.T) {
	c := New()
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"bool", true, "true"},
		{"int", 42, "42"},
		{"int8", int8(-3), "-3"},
		{"uint", uint16(7), "7"},
		{"float", 4.0, "4.0"},
		{"float32", float32(0.5), "0.5"},
		{"string", "hi", `"hi"`},
		{"named string", mode("fast"), `"fast"`},
		{"slice", []int{1, 2}, "[1, 2]"},
		{"array", [2]string{"a", "b"}, `["a", "b"]`},
		{"map sorted", map[string]int{"b": 2, "a": 1}, `{"a": 1, "b": 2}`},
		{"nested", map[string]any{"xs": []any{1.5, nil}}, `{"xs": [1.5, null]}`},
		{"symbol passes through", symbol.Var("image_0"), "image_0"},
		{"datetime", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC), "datetime(2024, 5, 1, 12, 30, 0)"},
		{"datetime nanos", time.Date(2024, 5, 1, 0, 0, 0, 5, time.UTC), "datetime(2024, 5, 1, 0, 0, 0, 5)"},
		{"duration", 90 * time.Second, `duration("1m30s")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, err := c.Convert(tt.in)
			if err != nil {
				t.Fatalf("Convert(%v) error = %v", tt.in, err)
			}
			got, err := symbol.Render(sym)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Convert(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConvertNotRenderable(t *testing.T) {
	c := New()
	tests := []struct {
		name string
		in   any
	}{
		{"func", func() {}},
		{"chan", make(chan int)},
		{"struct", struct{ A int }{1}},
		{"pointer", new(int)},
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
		{"int keyed map", map[int]int{1: 1}},
		{"oversize slice", make([]float64, DefaultMaxInline+1)},
		{"bad element", []any{1, func() {}}},
		{"skip", Skip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Convert(tt.in)
			if !errors.Is(err, symbol.ErrNotRenderable) {
				t.Errorf("Convert() error = %v, want ErrNotRenderable", err)
			}
		})
	}
}

func TestRegisterBulkyArray(t *testing.T) {
	c := New()
	b := bulk{data: make([]float64, 10000)}

	if _, err := c.Convert(b.data); !errors.Is(err, symbol.ErrNotRenderable) {
		t.Fatalf("unregistered bulky slice: error = %v, want ErrNotRenderable", err)
	}

	RegisterFunc(c, func(v bulk) (symbol.Symbol, error) {
		return &symbol.Call{
			Func:     symbol.Var("zeros"),
			Keywords: []symbol.Keyword{{Name: "n", Value: symbol.Int(int64(len(v.data)))}},
		}, nil
	})
	sym, err := c.Convert(b)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if _, ok := sym.(*symbol.Call); !ok {
		t.Fatalf("Convert() = %T, want *symbol.Call", sym)
	}
	if got := sym.String(); got != "zeros(n=10000)" {
		t.Errorf("Convert() = %q", got)
	}

	// Exact type match only: a pointer is not covered by the value rule.
	if _, err := c.Convert(&b); !errors.Is(err, symbol.ErrNotRenderable) {
		t.Errorf("Convert(&bulk) error = %v, want ErrNotRenderable", err)
	}
}

func TestSetMaxInline(t *testing.T) {
	c := New()
	c.SetMaxInline(2)
	if _, err := c.Convert([]int{1, 2, 3}); !errors.Is(err, symbol.ErrNotRenderable) {
		t.Errorf("error = %v, want ErrNotRenderable", err)
	}
	c.SetMaxInline(0)
	if c.MaxInline() != DefaultMaxInline {
		t.Errorf("MaxInline() = %d", c.MaxInline())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	base := New()
	clone := base.Clone()
	RegisterFunc(clone, func(m mode) (symbol.Symbol, error) {
		return symbol.NewCall(symbol.Var("mode"), symbol.Str(string(m))), nil
	})
	if base.Has(reflect.TypeFor[mode]()) {
		t.Error("registration leaked into base converter")
	}
	if !clone.Has(reflect.TypeFor[mode]()) {
		t.Error("clone missing registration")
	}
	if got := len(clone.Types()); got != len(base.Types())+1 {
		t.Errorf("clone has %d types, base %d", got, len(base.Types()))
	}
}

func TestDefaultSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}

func TestBuiltinsReplay(t *testing.T) {
	ctx := context.Background()
	when := time.Date(2023, 12, 31, 23, 59, 58, 0, time.UTC)
	sym, err := Default().Convert(when)
	if err != nil {
		t.Fatal(err)
	}
	text := sym.String()
	parsed, err := symbol.Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", text, err)
	}
	got, err := symbol.Eval(ctx, parsed, Builtins())
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if !got.(time.Time).Equal(when) {
		t.Errorf("replayed %v, want %v", got, when)
	}

	parsed, _ = symbol.Parse(`duration("1m30s")`)
	got, err = symbol.Eval(ctx, parsed, Builtins())
	if err != nil || got != 90*time.Second {
		t.Errorf("duration replay = %v, %v", got, err)
	}
}

func TestIsSkip(t *testing.T) {
	if !IsSkip(Skip) || IsSkip(nil) || IsSkip(0) {
		t.Error("IsSkip mismatch")
	}
}
