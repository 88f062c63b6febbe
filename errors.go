package petalmacro

import "errors"

// Errors returned by session operations. Recording errors from lower
// layers (symbol.ErrNotRenderable, macro.ErrIndexOutOfRange) and undo
// errors (undo.ErrReverseFailed, undo.ErrReplayFailed) pass through
// wrapped.
var (
	// ErrUnknownNode is returned for handles or paths that name no node.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownMethod is returned when a node has no method by that name.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrUnknownField is returned when a node has no field by that name.
	ErrUnknownField = errors.New("unknown field")

	// ErrUnknownParam is returned for keyword arguments a method does not
	// declare and for surplus positional arguments.
	ErrUnknownParam = errors.New("unknown parameter")

	// ErrMissingArgument is returned when a required parameter has no
	// value, default or bind source.
	ErrMissingArgument = errors.New("missing argument")

	// ErrBind wraps failures of bind sources.
	ErrBind = errors.New("bind failed")

	// ErrValidation wraps failures of parameter and field validators.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateName is returned when a node already has a child, field
	// or method with the name being added.
	ErrDuplicateName = errors.New("name already in use")

	// ErrInvalidName is returned for names that are not identifiers.
	ErrInvalidName = errors.New("invalid name")

	// ErrDuplicateArgument is returned when a parameter is supplied both
	// by position and by keyword, or twice by keyword.
	ErrDuplicateArgument = errors.New("duplicate argument")

	// ErrNotAMethodCall is returned when a recorded statement repeated by
	// RepeatMethod is not a call of a node method.
	ErrNotAMethodCall = errors.New("statement is not a method call")

	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session closed")
)
