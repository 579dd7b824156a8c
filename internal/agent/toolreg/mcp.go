package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPTransport talks to a tool server over the Model Context Protocol using
// streamable HTTP. Safe for concurrent use; the session is established
// lazily and reused.
type MCPTransport struct {
	endpoint string

	mu      sync.Mutex
	session *mcp.ClientSession
}

// NewMCPTransport creates a transport for the server at endpoint.
func NewMCPTransport(endpoint string) *MCPTransport {
	return &MCPTransport{endpoint: endpoint}
}

// connect establishes the session if needed and returns it.
func (t *MCPTransport) connect(ctx context.Context) (*mcp.ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return t.session, nil
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "quill",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: t.endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tool server %s: %w", t.endpoint, err)
	}
	t.session = session
	fmt.Printf("[Tools] Connected to MCP server %s\n", t.endpoint)
	return session, nil
}

// Close shuts the session down.
func (t *MCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil
	}
	err := t.session.Close()
	t.session = nil
	return err
}

// ListTools fetches the server's tool set and converts it to descriptors.
func (t *MCPTransport) ListTools(ctx context.Context) ([]Descriptor, error) {
	session, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		t.drop()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	descriptors := make([]Descriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			schema = []byte(`{"type":"object"}`)
		}
		descriptors = append(descriptors, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      schema,
		})
	}
	return descriptors, nil
}

// CallTool invokes one tool and flattens its text content.
func (t *MCPTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	session, err := t.connect(ctx)
	if err != nil {
		return "", false, err
	}

	arguments := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", false, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		t.drop()
		return "", false, fmt.Errorf("call tool %s: %w", name, err)
	}

	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

// drop discards a session after a wire failure so the next call reconnects.
func (t *MCPTransport) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		_ = t.session.Close()
		t.session = nil
	}
}
