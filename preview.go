package petalmacro

import (
	"context"
	"fmt"
	"strings"
)

// Previewer brackets a preview: Enter saves whatever the preview may
// disturb and Exit restores it. Exit runs on every path once Enter has
// succeeded.
type Previewer interface {
	Enter(ctx context.Context) (any, error)
	Exit(ctx context.Context, saved any)
}

// PreviewFuncs adapts a pair of functions to Previewer.
type PreviewFuncs struct {
	EnterFunc func(ctx context.Context) (any, error)
	ExitFunc  func(ctx context.Context, saved any)
}

// Enter implements Previewer.
func (p PreviewFuncs) Enter(ctx context.Context) (any, error) {
	if p.EnterFunc == nil {
		return nil, nil
	}
	return p.EnterFunc(ctx)
}

// Exit implements Previewer.
func (p PreviewFuncs) Exit(ctx context.Context, saved any) {
	if p.ExitFunc != nil {
		p.ExitFunc(ctx, saved)
	}
}

// Preview runs method name on node h inside its preview bracket. Nothing
// is recorded and the stacks are untouched. Methods without a Previewer
// just run unrecorded.
func (s *Session) Preview(ctx context.Context, h Handle, name string, args ...any) (any, error) {
	var result any
	err := s.do(ctx, func(ctx context.Context) error {
		ctx = withoutRecording(ctx)
		p, err := s.prepare(ctx, h, name, args)
		if err != nil {
			return err
		}
		if pv := p.m.preview; pv != nil {
			saved, err := pv.Enter(ctx)
			if err != nil {
				return fmt.Errorf("preview %s.%s: %w", strings.Join(s.tree.path(h), "."), name, err)
			}
			defer pv.Exit(ctx, saved)
		}
		result, _, err = s.invoke(ctx, p)
		return err
	})
	return result, err
}
