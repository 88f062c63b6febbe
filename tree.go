package petalmacro

import (
	"fmt"
	"strings"

	"github.com/petal-labs/petalmacro/symbol"
)

// Handle addresses a node in a session's arena.
type Handle int

// node is one tracked object. Nodes refer to each other only by handle.
type node struct {
	name     string
	parent   Handle // -1 for the root
	children map[string]Handle
	order    []Handle
	fields   map[string]*field
	methods  map[string]*Method
}

func (n *node) has(name string) bool {
	if _, ok := n.children[name]; ok {
		return true
	}
	if _, ok := n.fields[name]; ok {
		return true
	}
	_, ok := n.methods[name]
	return ok
}

// tree is the node arena. Owner-only.
type tree struct {
	nodes []*node
}

func newTree(rootName string) *tree {
	t := &tree{}
	t.nodes = append(t.nodes, newNode(rootName, -1))
	return t
}

func newNode(name string, parent Handle) *node {
	return &node{
		name:     name,
		parent:   parent,
		children: make(map[string]Handle),
		fields:   make(map[string]*field),
		methods:  make(map[string]*Method),
	}
}

func (t *tree) get(h Handle) (*node, error) {
	if h < 0 || int(h) >= len(t.nodes) {
		return nil, fmt.Errorf("%w: handle %d", ErrUnknownNode, h)
	}
	return t.nodes[h], nil
}

func (t *tree) add(parent Handle, name string) (Handle, error) {
	p, err := t.get(parent)
	if err != nil {
		return 0, err
	}
	if err := checkName(p, name); err != nil {
		return 0, err
	}
	h := Handle(len(t.nodes))
	t.nodes = append(t.nodes, newNode(name, parent))
	p.children[name] = h
	p.order = append(p.order, h)
	return h, nil
}

// path returns the names from the root down to h.
func (t *tree) path(h Handle) []string {
	var rev []string
	for h >= 0 {
		n := t.nodes[h]
		rev = append(rev, n.name)
		h = n.parent
	}
	out := make([]string, len(rev))
	for i, name := range rev {
		out[len(rev)-1-i] = name
	}
	return out
}

// symbol returns the qualified symbol of h, e.g. ui.child.
func (t *tree) symbol(h Handle) symbol.Symbol {
	p := t.path(h)
	return symbol.Attr(symbol.Var(p[0]), p[1:]...)
}

// lookup resolves a dotted path that starts at the root name.
func (t *tree) lookup(path string) (Handle, error) {
	parts := strings.Split(path, ".")
	if parts[0] != t.nodes[0].name {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, path)
	}
	h := Handle(0)
	for _, name := range parts[1:] {
		child, ok := t.nodes[h].children[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownNode, path)
		}
		h = child
	}
	return h, nil
}

func checkName(n *node, name string) error {
	if !symbol.IsIdent(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if n.has(name) {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	return nil
}
