package symbol

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRender(t *testing.T) {
	ui := Var("ui")
	tests := []struct {
		name string
		sym  Symbol
		want string
	}{
		{"int", Int(3), "3"},
		{"negative int", Int(-7), "-7"},
		{"float keeps point", Float(4), "4.0"},
		{"float exponent", Float(1e21), "1e+21"},
		{"string", Str("a \"b\"\n"), `"a \"b\"\n"`},
		{"bool", Bool(true), "true"},
		{"null", Null(), "null"},
		{"attribute chain", Attr(ui, "a", "b"), "ui.a.b"},
		{"index", &Index{Object: Attr(ui, "table"), Index: Int(0)}, "ui.table[0]"},
		{
			"call positional then keyword",
			&Call{
				Func:     Attr(ui, "f"),
				Args:     []Symbol{Int(1)},
				Keywords: []Keyword{{Name: "x", Value: Float(4)}, {Name: "name", Value: Str("n")}},
			},
			`ui.f(1, x=4.0, name="n")`,
		},
		{"assign", &Assign{Target: Attr(ui, "x", "value"), Value: Float(2.5)}, "ui.x.value = 2.5"},
		{"list", &List{Elems: []Symbol{Int(1), Int(2)}}, "[1, 2]"},
		{"dict", &Dict{Entries: []DictEntry{{Key: Str("k"), Value: Bool(false)}}}, `{"k": false}`},
		{"comment", &Comment{Text: "recorded"}, "# recorded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.sym)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderOpaque(t *testing.T) {
	call := NewCall(Var("f"), Opaque(make(chan int)))
	_, err := Render(call)
	if !errors.Is(err, ErrNotRenderable) {
		t.Fatalf("Render() error = %v, want ErrNotRenderable", err)
	}
	var nre *NotRenderableError
	if !errors.As(err, &nre) {
		t.Fatalf("Render() error %T is not *NotRenderableError", err)
	}

	if _, err := Render(Float(math.NaN())); !errors.Is(err, ErrNotRenderable) {
		t.Errorf("Render(NaN) error = %v, want ErrNotRenderable", err)
	}
}

func TestRenderAll(t *testing.T) {
	got, err := RenderAll([]Symbol{
		NewCall(Attr(Var("ui"), "f"), Int(0)),
		&Assign{Target: Attr(Var("ui"), "v"), Value: Int(1)},
	})
	if err != nil {
		t.Fatalf("RenderAll() error = %v", err)
	}
	want := "ui.f(0)\nui.v = 1\n"
	if got != want {
		t.Errorf("RenderAll() = %q, want %q", got, want)
	}

	_, err = RenderAll([]Symbol{Int(1), Opaque(struct{}{})})
	if err == nil || err.Error() != "statement 1: cannot render struct {}: value has no source representation" {
		t.Errorf("RenderAll() error = %v", err)
	}
}

func TestEqual(t *testing.T) {
	a := &Call{Func: Attr(Var("ui"), "f"), Keywords: []Keyword{{Name: "x", Value: Int(0)}}}
	b := &Call{Func: Attr(Var("ui"), "f"), Keywords: []Keyword{{Name: "x", Value: Int(0)}}}
	if !Equal(a, b) {
		t.Errorf("Equal(%s, %s) = false", a, b)
	}
	c := &Call{Func: Attr(Var("ui"), "f"), Keywords: []Keyword{{Name: "x", Value: Int(1)}}}
	if Equal(a, c) {
		t.Errorf("Equal(%s, %s) = true", a, c)
	}
	if Equal(Int(1), Float(1)) {
		t.Error("Equal(1, 1.0) = true, want false")
	}
	if !Equal(nil, nil) || Equal(Int(1), nil) {
		t.Error("nil handling")
	}
}

func TestSubstitute(t *testing.T) {
	orig := &Call{
		Func:     Attr(Var("ui"), "f"),
		Args:     []Symbol{Var("x")},
		Keywords: []Keyword{{Name: "x", Value: Var("x")}},
	}
	got := Substitute(orig, "x", Var("image_0"))
	want := &Call{
		Func:     Attr(Var("ui"), "f"),
		Args:     []Symbol{Var("image_0")},
		Keywords: []Keyword{{Name: "x", Value: Var("image_0")}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Substitute() mismatch (-want +got):\n%s", diff)
	}
	// The input tree is untouched.
	if orig.Args[0].(*Variable).Name != "x" {
		t.Errorf("Substitute mutated input: %s", orig)
	}
}

func TestQualify(t *testing.T) {
	prefix := Attr(Var("ui"), "child")
	tests := []struct {
		stmt Symbol
		want string
	}{
		{NewCall(Var("f"), Int(1)), "ui.child.f(1)"},
		{&Assign{Target: Attr(Var("x"), "value"), Value: Var("y")}, "ui.child.x.value = y"},
		{&Index{Object: Var("table"), Index: Int(2)}, "ui.child.table[2]"},
		{&Comment{Text: "hi"}, "# hi"},
	}
	for _, tt := range tests {
		got := Qualify(prefix, tt.stmt).String()
		if got != tt.want {
			t.Errorf("Qualify(%s) = %q, want %q", tt.stmt, got, tt.want)
		}
	}
	if got := Qualify(nil, Var("f")); got.String() != "f" {
		t.Errorf("Qualify(nil) = %s", got)
	}
}

func TestPathAndHead(t *testing.T) {
	path, ok := Path(Attr(Var("ui"), "a", "b"))
	if !ok {
		t.Fatal("Path() not ok")
	}
	if diff := cmp.Diff([]string{"ui", "a", "b"}, path); diff != "" {
		t.Errorf("Path() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := Path(NewCall(Var("f"))); ok {
		t.Error("Path(call) ok = true")
	}

	head, ok := Head(&Assign{Target: &Index{Object: Attr(Var("ui"), "t"), Index: Int(0)}, Value: Int(1)})
	if !ok || head.Name != "ui" {
		t.Errorf("Head() = %v, %v", head, ok)
	}
}

func TestValidateWalksEverything(t *testing.T) {
	stmt := &Dict{Entries: []DictEntry{{Key: Str("k"), Value: &List{Elems: []Symbol{Opaque(1)}}}}}
	if err := Validate(stmt); !errors.Is(err, ErrNotRenderable) {
		t.Errorf("Validate() = %v, want ErrNotRenderable", err)
	}
}
