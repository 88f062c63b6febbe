package petalmacro

import (
	"testing"

	"github.com/petal-labs/petalmacro/symbol"
)

type RGBImage struct{ w, h int }

type pixelBuffer []byte

func TestSnakeTypeName(t *testing.T) {
	tests := []struct {
		v    any
		want string
	}{
		{&RGBImage{}, "rgb_image"},
		{RGBImage{}, "rgb_image"},
		{&image{}, "image"},
		{pixelBuffer{}, "pixel_buffer"},
		{[]int{1}, "value"},
		{map[string]int{}, "value"},
		{nil, "value"},
	}
	for _, tt := range tests {
		if got := snakeTypeName(tt.v); got != tt.want {
			t.Errorf("snakeTypeName(%T) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestStoredRegistry(t *testing.T) {
	r := NewStoredRegistry(2)
	a, b, c := &image{name: "a"}, &image{name: "b"}, &image{name: "c"}

	if v := r.Store("image", "k", a); v.Name != "image_0" {
		t.Fatalf("Store(a) = %s, want image_0", v.Name)
	}
	r.Store("image", "k", b)
	r.Store("image", "other", c)

	if got, ok := r.Lookup(b); !ok || !symbol.Equal(got, symbol.Var("image_1")) {
		t.Errorf("Lookup(b) = %v, %v, want image_1", got, ok)
	}
	if _, ok := r.Lookup(&image{name: "b"}); ok {
		t.Errorf("Lookup matched a different pointer")
	}
	if _, ok := r.Lookup(3); ok {
		t.Errorf("Lookup matched a scalar")
	}
	if last, _ := r.Last("image", "k"); last != b {
		t.Errorf("Last(k) = %v, want b", last)
	}

	// A third value in slot k evicts the oldest.
	d := &image{name: "d"}
	if v := r.Store("image", "k", d); v.Name != "image_3" {
		t.Errorf("Store(d) = %s, want image_3", v.Name)
	}
	if _, ok := r.Get("image_0"); ok {
		t.Errorf("image_0 still present after eviction")
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}

	e := &image{name: "e"}
	r.Rebind("image_1", e)
	if got, ok := r.Lookup(e); !ok || !symbol.Equal(got, symbol.Var("image_1")) {
		t.Errorf("Lookup(e) after Rebind = %v, %v", got, ok)
	}
	if ns := r.Namespace(); ns["image_3"] != d {
		t.Errorf("Namespace()[image_3] = %v, want d", ns["image_3"])
	}

	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len() after Clear = %d", r.Len())
	}
	if v := r.Store("image", "k", a); v.Name != "image_4" {
		t.Errorf("Store after Clear = %s, want image_4 (names are not reused)", v.Name)
	}
}

func TestStoredSliceIdentity(t *testing.T) {
	r := NewStoredRegistry(0)
	buf := pixelBuffer{1, 2, 3}
	r.Store("pixel_buffer", "", buf)
	if _, ok := r.Lookup(buf); !ok {
		t.Errorf("Lookup(same slice) = false")
	}
	if _, ok := r.Lookup(buf[:2]); ok {
		t.Errorf("Lookup(resliced) = true, want false")
	}
	if _, ok := r.Lookup(pixelBuffer{1, 2, 3}); ok {
		t.Errorf("Lookup(copy) = true, want false")
	}
}
