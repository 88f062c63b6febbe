package symbol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotRenderable is returned when a tree contains a literal with no
// source representation.
var ErrNotRenderable = errors.New("value has no source representation")

// NotRenderableError reports the offending value.
type NotRenderableError struct {
	Value any
}

func (e *NotRenderableError) Error() string {
	return fmt.Sprintf("cannot render %T: %v", e.Value, ErrNotRenderable)
}

func (e *NotRenderableError) Unwrap() error {
	return ErrNotRenderable
}

// Render returns the source text of s. Unlike String it fails instead of
// emitting a placeholder for opaque literals.
func Render(s Symbol) (string, error) {
	if err := Validate(s); err != nil {
		return "", err
	}
	return s.String(), nil
}

// Validate checks that every literal in s has source text.
func Validate(s Symbol) error {
	var err error
	Walk(s, func(n Symbol) bool {
		if err != nil {
			return false
		}
		if lit, ok := n.(*Literal); ok && lit.Text == "" {
			err = &NotRenderableError{Value: lit.Value}
			return false
		}
		return true
	})
	return err
}

// RenderAll renders statements one per line.
func RenderAll(stmts []Symbol) (string, error) {
	var sb strings.Builder
	for i, s := range stmts {
		text, err := Render(s)
		if err != nil {
			return "", fmt.Errorf("statement %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
