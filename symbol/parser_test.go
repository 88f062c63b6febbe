package symbol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	ui := Var("ui")
	tests := []struct {
		input string
		want  Symbol
	}{
		{"", nil},
		{"   ", nil},
		{"# header line", &Comment{Text: "header line"}},
		{"ui.f()", &Call{Func: Attr(ui, "f")}},
		{
			`ui.child.f(1, x=4.0, s="a b")`,
			&Call{
				Func:     Attr(ui, "child", "f"),
				Args:     []Symbol{Int(1)},
				Keywords: []Keyword{{Name: "x", Value: Float(4)}, {Name: "s", Value: Str("a b")}},
			},
		},
		{"ui.x.value = -2.5", &Assign{Target: Attr(ui, "x", "value"), Value: Float(-2.5)}},
		{"image_0 = ui.load()  # trailing", &Assign{Target: Var("image_0"), Value: &Call{Func: Attr(ui, "load")}}},
		{"ui.t[0] = null", &Assign{Target: &Index{Object: Attr(ui, "t"), Index: Int(0)}, Value: Null()}},
		{"ui.f([1, -2], {\"k\": true})", &Call{
			Func: Attr(ui, "f"),
			Args: []Symbol{
				&List{Elems: []Symbol{Int(1), Int(-2)}},
				&Dict{Entries: []DictEntry{{Key: Str("k"), Value: Bool(true)}}},
			},
		}},
		{"ui.null.true", Attr(ui, "null", "true")},
		{"f(g(x=1))", &Call{Func: Var("f"), Args: []Symbol{&Call{Func: Var("g"), Keywords: []Keyword{{Name: "x", Value: Int(1)}}}}}},
		{"datetime(2024, 1, 2, 3, 4, 5)", NewCall(Var("datetime"), Int(2024), Int(1), Int(2), Int(3), Int(4), Int(5))},
		{"[]", &List{}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.input, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input string
		pos   int
	}{
		{"ui.f(", 5},
		{"ui.f(x=1, 2)", 10},
		{"ui.f(x=1, x=2)", 13},
		{"f() = 1", 4},
		{"ui.", 3},
		{`"unterminated`, 0},
		{"ui.f() extra", 7},
		{"1e", 0},
		{"ui @ 1", 3},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := Parse(tt.input)
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("Parse(%q) error = %v, want *SyntaxError", tt.input, err)
			}
			if se.Pos != tt.pos {
				t.Errorf("Parse(%q) pos = %d, want %d (%v)", tt.input, se.Pos, tt.pos, se)
			}
		})
	}
}

func TestParseScript(t *testing.T) {
	script := "# macro\nui.f(x=0)\n\nui.g(y=1)\n"
	stmts, err := ParseScript(script)
	if err != nil {
		t.Fatalf("ParseScript() error = %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("ParseScript() = %d statements, want 3", len(stmts))
	}
	text, err := RenderAll(stmts)
	if err != nil {
		t.Fatalf("RenderAll() error = %v", err)
	}
	if want := "# macro\nui.f(x=0)\nui.g(y=1)\n"; text != want {
		t.Errorf("round trip = %q", text)
	}

	_, err = ParseScript("ui.f()\nui.g(\n")
	var se *SyntaxError
	if !errors.As(err, &se) || se.Line != 2 {
		t.Errorf("ParseScript() error = %v, want syntax error on line 2", err)
	}
}

func TestParseRenderRoundTrip(t *testing.T) {
	lines := []string{
		`ui.f(1, 2.5, "x", true, null)`,
		`ui.a.b.value = [1, 2, 3]`,
		`image_0 = ui.load(path="a.png")`,
		`ui.show(image_0)`,
		`ui.opts = {"a": 1, "b": [1.0, 2.0]}`,
		`ui.at = datetime(2024, 5, 1, 12, 0, 0)`,
	}
	for _, line := range lines {
		sym, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", line, err)
		}
		got, err := Render(sym)
		if err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		if got != line {
			t.Errorf("round trip = %q, want %q", got, line)
		}
	}
}
