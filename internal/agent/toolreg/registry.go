// Package toolreg discovers tools from an MCP server, caches their
// descriptors for prompt assembly, and dispatches tool calls.
package toolreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Descriptor describes one discovered tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
	// TokenCost is the fixed prompt cost of offering this tool, computed
	// once at discovery.
	TokenCost int
}

// Transport is the wire boundary to a tool server.
type Transport interface {
	// ListTools returns the server's current tool set.
	ListTools(ctx context.Context) ([]Descriptor, error)
	// CallTool invokes one tool. isError marks a failure the tool itself
	// reported, as opposed to a transport failure.
	CallTool(ctx context.Context, name string, args json.RawMessage) (content string, isError bool, err error)
}

// Counter counts tokens for a text payload.
type Counter interface {
	Count(text string) int
}

// Registry caches discovered tool descriptors and dispatches calls.
// Reads are safe concurrently; Discover replaces the whole set atomically.
type Registry struct {
	transport Transport
	counter   Counter

	mu          sync.RWMutex
	descriptors []Descriptor
	schemaCost  int
}

// New creates a registry over the given transport.
func New(transport Transport, counter Counter) *Registry {
	return &Registry{
		transport: transport,
		counter:   counter,
	}
}

// Discover fetches the tool set from the server and replaces the cached
// descriptors as a whole. A discovery failure leaves the previous set in
// place.
func (r *Registry) Discover(ctx context.Context) error {
	descriptors, err := r.transport.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}

	cost := 0
	for i := range descriptors {
		descriptors[i].TokenCost = r.counter.Count(
			descriptors[i].Name + descriptors[i].Description + string(descriptors[i].Schema))
		cost += descriptors[i].TokenCost
	}

	r.mu.Lock()
	r.descriptors = descriptors
	r.schemaCost = cost
	r.mu.Unlock()

	fmt.Printf("[Tools] Discovered %d tools (%d schema tokens)\n", len(descriptors), cost)
	return nil
}

// Tools returns a copy of the cached descriptor set.
func (r *Registry) Tools() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// SchemaTokens returns the summed prompt cost of the cached tool set.
func (r *Registry) SchemaTokens() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemaCost
}

// lookup finds a cached descriptor by name.
func (r *Registry) lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Dispatch invokes a tool by name. Unknown names short-circuit without
// touching the transport; other failures map onto the ToolError taxonomy.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if _, ok := r.lookup(name); !ok {
		return "", &ToolError{Kind: ErrorNotFound, Name: name, Err: fmt.Errorf("no such tool")}
	}

	if len(args) > 0 && !json.Valid(args) {
		return "", &ToolError{Kind: ErrorInvalidArgs, Name: name, Err: fmt.Errorf("arguments are not valid JSON")}
	}

	content, isError, err := r.transport.CallTool(ctx, name, args)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return "", &ToolError{Kind: ErrorTimeout, Name: name, Err: err}
		default:
			return "", &ToolError{Kind: ErrorRemoteFailure, Name: name, Err: err}
		}
	}
	if isError {
		return "", &ToolError{Kind: ErrorRemoteFailure, Name: name, Err: fmt.Errorf("%s", content)}
	}
	return content, nil
}
