package petalmacro

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/petal-labs/petalmacro/macro"
)

func TestExecuteRecorded(t *testing.T) {
	tests := []struct {
		name     string
		indices  []int
		wantText string
		wantX    float64
		wantY    float64
		wantErr  error
	}{
		{
			name:     "selected lines in order given",
			indices:  []int{1, 0},
			wantText: "ui.f(x=1)\nui.g(y=2)\nui.f(x=3)\nui.g(y=2)\nui.f(x=1)\n",
			wantX:    1,
			wantY:    2,
		},
		{
			name:     "whole macro",
			wantText: "ui.f(x=1)\nui.g(y=2)\nui.f(x=3)\nui.f(x=1)\nui.g(y=2)\nui.f(x=3)\n",
			wantX:    3,
			wantY:    2,
		},
		{
			name:     "out of range runs nothing",
			indices:  []int{0, 5},
			wantText: "ui.f(x=1)\nui.g(y=2)\nui.f(x=3)\n",
			wantX:    3,
			wantY:    2,
			wantErr:  macro.ErrIndexOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld()
			s := fghSession(t, w)
			mustCall(t, s, s.Root(), "f", Kw("x", 1))
			mustCall(t, s, s.Root(), "g", Kw("y", 2))
			mustCall(t, s, s.Root(), "f", Kw("x", 3))

			err := s.ExecuteRecorded(context.Background(), tt.indices...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ExecuteRecorded(%v) error = %v, want %v", tt.indices, err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("ExecuteRecorded(%v) error = %v", tt.indices, err)
			}
			if got := s.Render(); got != tt.wantText {
				t.Errorf("Render() = %q, want %q", got, tt.wantText)
			}
			if got := toFloat(w.get("x")); got != tt.wantX {
				t.Errorf("x = %v, want %v", got, tt.wantX)
			}
			if got := toFloat(w.get("y")); got != tt.wantY {
				t.Errorf("y = %v, want %v", got, tt.wantY)
			}
		})
	}
}

func TestExecuteRecordedIsUndoable(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	s := fghSession(t, w)
	mustCall(t, s, s.Root(), "f", Kw("x", 1))
	mustCall(t, s, s.Root(), "f", Kw("x", 2))
	if err := s.ExecuteRecorded(ctx, 0); err != nil {
		t.Fatalf("ExecuteRecorded() error = %v", err)
	}
	if err := s.Undo(ctx); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if got := s.Render(); got != "ui.f(x=1)\nui.f(x=2)\n" {
		t.Errorf("Render() after undo = %q", got)
	}
	if got := toFloat(w.get("x")); got != 2 {
		t.Errorf("x after undo = %v, want 2", got)
	}
}

func TestRepeatMethod(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	s := newTestSession(t)
	root := s.Root()
	knob, err := s.AddNode(ctx, root, "knob")
	if err != nil {
		t.Fatal(err)
	}
	mustAddMethod(t, s, knob, NewMethod("reset", w.setter("r", "to"), Params(NewParam("to").WithDefault(0))))
	mustAddMethod(t, s, root, NewMethod("double", Plain(func(_ context.Context, a Args) (any, error) {
		return a.Int("n") * 2, nil
	}), Params(NewParam("n"))))
	if err := s.AddField(ctx, root, "level", 0.0); err != nil {
		t.Fatal(err)
	}

	mustCall(t, s, knob, "reset", Kw("to", 5))
	mustCall(t, s, root, "double", Kw("n", 4))
	if err := s.Set(ctx, root, "level", 1.0); err != nil {
		t.Fatal(err)
	}

	t.Run("same args", func(t *testing.T) {
		got, err := s.RepeatMethod(ctx, 1, true)
		if err != nil {
			t.Fatalf("RepeatMethod() error = %v", err)
		}
		if toFloat(got) != 8 {
			t.Errorf("RepeatMethod() = %v, want 8", got)
		}
		last, _ := s.Snapshot().At(s.Snapshot().Len() - 1)
		if last.Text != "ui.double(n=4)" {
			t.Errorf("recorded %q, want ui.double(n=4)", last.Text)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		before := s.Snapshot().Len()
		if _, err := s.RepeatMethod(ctx, 0, false); err != nil {
			t.Fatalf("RepeatMethod() error = %v", err)
		}
		if got := toFloat(w.get("r")); got != 0 {
			t.Errorf("r = %v, want the default 0", got)
		}
		snap := s.Snapshot()
		last, _ := snap.At(snap.Len() - 1)
		if snap.Len() != before+1 || !strings.HasPrefix(last.Text, "ui.knob.reset(") {
			t.Errorf("trace = %v, want a new ui.knob.reset line", texts(snap))
		}
		if err := s.Undo(ctx); err != nil {
			t.Fatalf("Undo() error = %v", err)
		}
		if got := toFloat(w.get("r")); got != 5 {
			t.Errorf("r after undo = %v, want 5", got)
		}
		if got := s.Snapshot().Len(); got != before {
			t.Errorf("Len() after undo = %d, want %d", got, before)
		}
	})

	errTests := []struct {
		name  string
		index int
		want  error
	}{
		{name: "field set", index: 2, want: ErrNotAMethodCall},
		{name: "out of range", index: 99, want: macro.ErrIndexOutOfRange},
		{name: "negative", index: -1, want: macro.ErrIndexOutOfRange},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			before := s.Render()
			if _, err := s.RepeatMethod(ctx, tt.index, true); !errors.Is(err, tt.want) {
				t.Fatalf("RepeatMethod(%d) error = %v, want %v", tt.index, err, tt.want)
			}
			if diff := cmp.Diff(before, s.Render()); diff != "" {
				t.Errorf("trace changed (-want +got):\n%s", diff)
			}
		})
	}
}

func texts(s macro.Snapshot) []string {
	var out []string
	for _, e := range s.Entries() {
		out = append(out, e.Text)
	}
	return out
}
