package petalmacro

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/petal-labs/petalmacro/symbol"
)

// StoredKey names a slot of stored values: the snake_case type name of
// the values and the key the storing method declared.
type StoredKey struct {
	Type string
	Key  string
}

type storedEntry struct {
	name  string
	slot  StoredKey
	seq   uint64
	value any
}

// StoredRegistry keeps results of storable methods under generated
// variable names (image_0, image_1, ...) so later statements can refer to
// them. Names are never reused within a session.
type StoredRegistry struct {
	mu       sync.Mutex
	maxSize  int
	seq      uint64
	counters map[string]int
	slots    map[StoredKey][]*storedEntry
	byName   map[string]*storedEntry
}

// NewStoredRegistry creates a registry keeping at most maxSize values per
// slot. maxSize 0 keeps every value.
func NewStoredRegistry(maxSize int) *StoredRegistry {
	return &StoredRegistry{
		maxSize:  maxSize,
		counters: make(map[string]int),
		slots:    make(map[StoredKey][]*storedEntry),
		byName:   make(map[string]*storedEntry),
	}
}

// Store keeps v in the slot (typeName, key) and returns the variable that
// now names it.
func (r *StoredRegistry) Store(typeName, key string, v any) *symbol.Variable {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.counters[typeName]
	r.counters[typeName] = n + 1
	r.seq++
	slot := StoredKey{Type: typeName, Key: key}
	e := &storedEntry{
		name:  fmt.Sprintf("%s_%d", typeName, n),
		slot:  slot,
		seq:   r.seq,
		value: v,
	}
	entries := append(r.slots[slot], e)
	if r.maxSize > 0 && len(entries) > r.maxSize {
		for _, old := range entries[:len(entries)-r.maxSize] {
			delete(r.byName, old.name)
		}
		entries = append([]*storedEntry(nil), entries[len(entries)-r.maxSize:]...)
	}
	r.slots[slot] = entries
	r.byName[e.name] = e
	return symbol.Var(e.name)
}

// Last returns the newest value of a slot.
func (r *StoredRegistry) Last(typeName, key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.slots[StoredKey{Type: typeName, Key: key}]
	if len(entries) == 0 {
		return nil, false
	}
	return entries[len(entries)-1].value, true
}

// Get returns the value named name.
func (r *StoredRegistry) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Lookup returns the variable of a stored value identical to v. Only
// reference-like values match: pointers, maps, channels and functions by
// identity, slices by backing array and length, structs and arrays by
// deep equality. Scalars never match, so a stored 3 does not capture
// every later 3.
func (r *StoredRegistry) Lookup(v any) (symbol.Symbol, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if !referenceLike(rv.Kind()) {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *storedEntry
	for _, e := range r.byName {
		if (best == nil || e.seq > best.seq) && sameValue(rv, e.value) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return symbol.Var(best.name), true
}

// Rebind points name at v, as when a recorded assignment is replayed.
func (r *StoredRegistry) Rebind(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if e, ok := r.byName[name]; ok {
		e.value = v
		e.seq = r.seq
		return
	}
	r.byName[name] = &storedEntry{name: name, seq: r.seq, value: v}
}

// Namespace returns the stored values by name, for replay.
func (r *StoredRegistry) Namespace() symbol.Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := make(symbol.Namespace, len(r.byName))
	for name, e := range r.byName {
		ns[name] = e.value
	}
	return ns
}

// Len returns the number of named values.
func (r *StoredRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// Clear drops every value. Counters keep running.
func (r *StoredRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.slots)
	clear(r.byName)
}

func referenceLike(k reflect.Kind) bool {
	switch k {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer,
		reflect.Slice, reflect.Struct, reflect.Array:
		return true
	}
	return false
}

func sameValue(rv reflect.Value, other any) bool {
	if other == nil {
		return false
	}
	ov := reflect.ValueOf(other)
	if rv.Type() != ov.Type() {
		return false
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return rv.Pointer() == ov.Pointer()
	case reflect.Slice:
		return rv.Pointer() == ov.Pointer() && rv.Len() == ov.Len()
	}
	return reflect.DeepEqual(rv.Interface(), other)
}

// snakeTypeName returns the snake_case name of v's type, looking through
// pointers: *RGBImage is rgb_image. Unnamed types are "value".
func snakeTypeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "value"
	}
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	runes := []rune(name)
	var sb strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				sb.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
