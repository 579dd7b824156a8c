package orchestrator

import "errors"

// State is the externally visible phase of the loop.
type State string

const (
	// StateIdle means no turn is in flight.
	StateIdle State = "idle"
	// StateAwaitingModel means a provider round-trip is in flight.
	StateAwaitingModel State = "awaiting_model"
	// StateToolCallRequested means the model asked for a tool.
	StateToolCallRequested State = "tool_call_requested"
	// StateToolExecuting means a tool call is running.
	StateToolExecuting State = "tool_executing"
	// StateFinalAnswer means the turn produced its answer.
	StateFinalAnswer State = "final_answer"
	// StateAborted means the turn hit the round-trip cap.
	StateAborted State = "aborted"
	// StateFailed means the turn ended on an unrecoverable error.
	StateFailed State = "failed"
)

// ErrMaxTurnsExceeded means a single user turn exceeded the model
// round-trip cap without reaching a final answer.
var ErrMaxTurnsExceeded = errors.New("max model turns exceeded without a final answer")
