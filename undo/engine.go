package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/petal-labs/petalmacro/symbol"
)

// DefaultMaxDepth is the default number of undo steps kept.
const DefaultMaxDepth = 100

var (
	// ErrReverseFailed is wrapped when a reverse action fails during undo.
	ErrReverseFailed = errors.New("reverse action failed")

	// ErrReplayFailed is wrapped when redo cannot re-execute a command.
	ErrReplayFailed = errors.New("replay failed")

	// ErrNotUndoable is returned when a command without a reverse is pushed.
	ErrNotUndoable = errors.New("command has no reverse action")
)

// ReplayError reports a failed undo or redo. The command has been popped
// and is not restored; state changed by a partial reverse or replay is
// left as is.
type ReplayError struct {
	Op        string // "undo" or "redo"
	Statement string
	Err       error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Statement, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Policy decides what a recordable call without a reverse does to history.
type Policy int

const (
	// ClearRedo drops the redo stack and leaves undo alone.
	ClearRedo Policy = iota
	// ClearHistory drops both stacks.
	ClearHistory
)

func (p Policy) String() string {
	if p == ClearHistory {
		return "clear_history"
	}
	return "clear_redo"
}

// ParsePolicy reads the configuration form of a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "clear_redo":
		return ClearRedo, nil
	case "clear_history":
		return ClearHistory, nil
	}
	return ClearRedo, fmt.Errorf("unknown non-undoable policy %q", s)
}

// Command pairs a recorded statement with the action that reverses it.
// Commands move between the stacks by pointer and are never copied.
type Command struct {
	// StatementID identifies the statement in the trace.
	StatementID uint64
	Stmt        symbol.Symbol
	Action      Action
}

func (c *Command) String() string {
	if c.Stmt == nil {
		return "<nil>"
	}
	return c.Stmt.String()
}

// Replayer re-executes a recorded statement for redo. It returns the
// action produced by the re-executed forward call.
type Replayer interface {
	Replay(ctx context.Context, stmt symbol.Symbol) (Action, error)
}

// ReplayerFunc adapts a function to Replayer.
type ReplayerFunc func(ctx context.Context, stmt symbol.Symbol) (Action, error)

// Replay implements Replayer.
func (f ReplayerFunc) Replay(ctx context.Context, stmt symbol.Symbol) (Action, error) {
	return f(ctx, stmt)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDepth bounds the undo stack; the oldest commands are dropped.
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine holds the undo and redo stacks. It is not safe for concurrent
// use; the session owner serializes access.
type Engine struct {
	undo     []*Command
	redo     []*Command
	maxDepth int
	replayer Replayer
	logger   *slog.Logger
}

// NewEngine creates an engine that redoes commands without a custom redo
// through replayer.
func NewEngine(replayer Replayer, opts ...Option) *Engine {
	e := &Engine{
		maxDepth: DefaultMaxDepth,
		replayer: replayer,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// RecordUndoable pushes cmd and clears the redo stack.
func (e *Engine) RecordUndoable(cmd *Command) error {
	if cmd == nil || !cmd.Action.Undoable() {
		return ErrNotUndoable
	}
	e.push(cmd)
	e.redo = nil
	return nil
}

// RecordNonUndoable applies policy for a recorded call with no reverse.
func (e *Engine) RecordNonUndoable(policy Policy) {
	e.redo = nil
	if policy == ClearHistory {
		e.undo = nil
	}
}

// Undo reverses the newest command and moves it to the redo stack. With
// nothing to undo it returns nil, nil.
func (e *Engine) Undo(ctx context.Context) (*Command, error) {
	n := len(e.undo)
	if n == 0 {
		return nil, nil
	}
	cmd := e.undo[n-1]
	e.undo[n-1] = nil
	e.undo = e.undo[:n-1]

	if err := cmd.Action.reverse(ctx); err != nil {
		e.logger.Warn("undo failed", "statement", cmd.String(), "error", err)
		return cmd, &ReplayError{Op: "undo", Statement: cmd.String(), Err: fmt.Errorf("%w: %w", ErrReverseFailed, err)}
	}
	e.redo = append(e.redo, cmd)
	return cmd, nil
}

// Redo reapplies the newest undone command and moves it back to the undo
// stack. A custom redo runs when present; otherwise the statement is
// replayed and the action it returns replaces the command's action. With
// nothing to redo it returns nil, nil.
func (e *Engine) Redo(ctx context.Context) (*Command, error) {
	n := len(e.redo)
	if n == 0 {
		return nil, nil
	}
	cmd := e.redo[n-1]
	e.redo[n-1] = nil
	e.redo = e.redo[:n-1]

	if cmd.Action.HasRedo() {
		if err := cmd.Action.redo(ctx); err != nil {
			e.logger.Warn("redo failed", "statement", cmd.String(), "error", err)
			return cmd, &ReplayError{Op: "redo", Statement: cmd.String(), Err: fmt.Errorf("%w: %w", ErrReplayFailed, err)}
		}
	} else {
		if e.replayer == nil {
			return cmd, &ReplayError{Op: "redo", Statement: cmd.String(), Err: fmt.Errorf("%w: no replayer", ErrReplayFailed)}
		}
		action, err := e.replayer.Replay(ctx, cmd.Stmt)
		if err != nil {
			e.logger.Warn("redo failed", "statement", cmd.String(), "error", err)
			return cmd, &ReplayError{Op: "redo", Statement: cmd.String(), Err: fmt.Errorf("%w: %w", ErrReplayFailed, err)}
		}
		// A replayed call that yields no reverse keeps the old one.
		if action.Undoable() {
			cmd.Action = action
		}
	}
	e.push(cmd)
	return cmd, nil
}

func (e *Engine) push(cmd *Command) {
	e.undo = append(e.undo, cmd)
	if over := len(e.undo) - e.maxDepth; over > 0 {
		clear(e.undo[:over])
		e.undo = append(e.undo[:0], e.undo[over:]...)
		e.logger.Debug("undo history trimmed", "dropped", over)
	}
}

// Top returns the newest undo command without popping it.
func (e *Engine) Top() *Command {
	if len(e.undo) == 0 {
		return nil
	}
	return e.undo[len(e.undo)-1]
}

// UndoLen returns the depth of the undo stack.
func (e *Engine) UndoLen() int {
	return len(e.undo)
}

// RedoLen returns the depth of the redo stack.
func (e *Engine) RedoLen() int {
	return len(e.redo)
}

// UndoStatements returns the undo stack statements, oldest first.
func (e *Engine) UndoStatements() []symbol.Symbol {
	return statements(e.undo)
}

// RedoStatements returns the redo stack statements, bottom first.
func (e *Engine) RedoStatements() []symbol.Symbol {
	return statements(e.redo)
}

// Forget drops every command on either stack that owns statement id and
// returns how many were dropped. Effects of a dropped undo command stay
// applied.
func (e *Engine) Forget(id uint64) int {
	n := len(e.undo) + len(e.redo)
	e.undo = dropStatement(e.undo, id)
	e.redo = dropStatement(e.redo, id)
	n -= len(e.undo) + len(e.redo)
	if n > 0 {
		e.logger.Debug("undo commands forgotten", "statement_id", id, "dropped", n)
	}
	return n
}

// Restate points every command owning statement id at stmt, so a later
// redo replays the edited statement. It returns how many were updated.
func (e *Engine) Restate(id uint64, stmt symbol.Symbol) int {
	n := 0
	for _, stack := range [][]*Command{e.undo, e.redo} {
		for _, c := range stack {
			if c.StatementID == id {
				c.Stmt = stmt
				n++
			}
		}
	}
	return n
}

// Clear empties both stacks.
func (e *Engine) Clear() {
	e.undo = nil
	e.redo = nil
}

func dropStatement(cmds []*Command, id uint64) []*Command {
	return slices.DeleteFunc(cmds, func(c *Command) bool { return c.StatementID == id })
}

func statements(cmds []*Command) []symbol.Symbol {
	out := make([]symbol.Symbol, len(cmds))
	for i, c := range cmds {
		out[i] = c.Stmt
	}
	return out
}
