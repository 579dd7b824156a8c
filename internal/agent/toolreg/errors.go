package toolreg

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a tool invocation failure.
type ErrorKind string

const (
	// ErrorTimeout means the call exceeded its deadline.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorInvalidArgs means the arguments could not be parsed or were
	// rejected by the tool.
	ErrorInvalidArgs ErrorKind = "invalid_args"
	// ErrorRemoteFailure means the tool server failed or the tool itself
	// reported an error.
	ErrorRemoteFailure ErrorKind = "remote_failure"
	// ErrorNotFound means no tool with that name is registered.
	ErrorNotFound ErrorKind = "not_found"
)

// ToolError represents a classified tool invocation failure. The
// orchestration loop converts these into tool result messages the model can
// react to, rather than failing the turn.
type ToolError struct {
	Kind ErrorKind
	Name string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s %s: %v", e.Name, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// AsToolError extracts a ToolError from err, nil when it is not one.
func AsToolError(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
