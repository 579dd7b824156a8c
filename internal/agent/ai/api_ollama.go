package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/quillagent/quill/internal/agent/history"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider runs completions against a local Ollama server using the
// official SDK.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates an Ollama provider. Empty baseURL targets the
// default local server.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse(defaultOllamaBaseURL)
	}

	// Local inference can be slow on first load.
	httpClient := &http.Client{Timeout: 5 * time.Minute}

	return &OllamaProvider{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
	}
}

// ID returns the provider identifier
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// Complete sends one request and returns the final text or tool call.
func (p *OllamaProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	messages := p.buildMessages(req)
	if len(messages) == 0 {
		return nil, &ProviderError{Kind: ErrorMalformed, Message: "no messages to send"}
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
	}
	stream := false
	chatReq.Stream = &stream
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.buildTools(req.Tools)
	}

	fmt.Printf("[Ollama] Sending request: model=%s messages=%d tools=%d max_tokens=%d\n",
		model, len(messages), len(req.Tools), req.MaxTokens)

	var text strings.Builder
	var toolCall *history.ToolCall
	toolCallCounter := 0

	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		for _, tc := range resp.Message.ToolCalls {
			toolCallCounter++
			if toolCall != nil {
				continue
			}
			args, err := json.Marshal(tc.Function.Arguments.ToMap())
			if err != nil {
				args = []byte("{}")
			}
			toolCall = &history.ToolCall{
				ID:    fmt.Sprintf("ollama-call-%d", toolCallCounter),
				Name:  tc.Function.Name,
				Input: args,
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	resp := &ChatResponse{Text: text.String(), ToolCall: toolCall}
	if resp.Text == "" && resp.ToolCall == nil {
		return nil, &ProviderError{Kind: ErrorMalformed, Message: "empty response from model"}
	}
	return resp, nil
}

// buildMessages converts conversation messages to Ollama format. Tool calls
// and results are only sent as pairs, mirroring the other providers.
func (p *OllamaProvider) buildMessages(req *ChatRequest) []api.Message {
	respondedIDs := make(map[string]bool)
	calledIDs := make(map[string]bool)
	toolNames := make(map[string]string)
	for _, msg := range req.Messages {
		if msg.ToolResult != nil {
			respondedIDs[msg.ToolResult.ToolCallID] = true
		}
		if msg.ToolCall != nil {
			calledIDs[msg.ToolCall.ID] = true
			toolNames[msg.ToolCall.ID] = msg.ToolCall.Name
		}
	}

	var result []api.Message

	system := req.System
	if req.Retrieval != "" {
		system += "\n\n" + req.Retrieval
	}
	if system != "" {
		result = append(result, api.Message{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case history.RoleUser:
			if msg.Content == "" {
				continue
			}
			result = append(result, api.Message{Role: "user", Content: msg.Content})

		case history.RoleSummary:
			result = append(result, api.Message{Role: "user", Content: "Summary of earlier conversation:\n" + msg.Content})

		case history.RoleAssistant:
			if msg.Content == "" {
				continue
			}
			result = append(result, api.Message{Role: "assistant", Content: msg.Content})

		case history.RoleToolCall:
			if msg.ToolCall == nil {
				continue
			}
			if !respondedIDs[msg.ToolCall.ID] {
				fmt.Printf("[Ollama] Skipping tool_call without response: %s\n", msg.ToolCall.ID)
				continue
			}
			args := api.NewToolCallFunctionArguments()
			var argsMap map[string]any
			if err := json.Unmarshal(msg.ToolCall.Input, &argsMap); err == nil {
				for k, v := range argsMap {
					args.Set(k, v)
				}
			}
			result = append(result, api.Message{
				Role:    "assistant",
				Content: msg.Content,
				ToolCalls: []api.ToolCall{{
					ID: msg.ToolCall.ID,
					Function: api.ToolCallFunction{
						Name:      msg.ToolCall.Name,
						Arguments: args,
					},
				}},
			})

		case history.RoleToolResult:
			if msg.ToolResult == nil {
				continue
			}
			if !calledIDs[msg.ToolResult.ToolCallID] {
				fmt.Printf("[Ollama] Skipping tool_result without call: %s\n", msg.ToolResult.ToolCallID)
				continue
			}
			result = append(result, api.Message{
				Role:       "tool",
				Content:    msg.ToolResult.Content,
				ToolCallID: msg.ToolResult.ToolCallID,
				ToolName:   toolNames[msg.ToolResult.ToolCallID],
			})
		}
	}

	return result
}

// buildTools converts tool definitions to Ollama format.
func (p *OllamaProvider) buildTools(tools []ToolDefinition) api.Tools {
	result := make(api.Tools, 0, len(tools))

	for _, tool := range tools {
		var schemaRaw map[string]any
		if err := json.Unmarshal([]byte(tool.InputSchema), &schemaRaw); err != nil {
			fmt.Printf("[Ollama] Failed to parse tool schema for %s: %v\n", tool.Name, err)
			continue
		}

		params := api.ToolFunctionParameters{
			Type: "object",
		}
		if props, ok := schemaRaw["properties"].(map[string]any); ok {
			propsMap := api.NewToolPropertiesMap()
			for name, propRaw := range props {
				if propObj, ok := propRaw.(map[string]any); ok {
					propsMap.Set(name, convertToolProperty(propObj))
				}
			}
			params.Properties = propsMap
		}
		if required, ok := schemaRaw["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		}

		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	return result
}

// convertToolProperty converts a JSON schema property to Ollama format.
func convertToolProperty(prop map[string]any) api.ToolProperty {
	result := api.ToolProperty{}
	if typeVal, ok := prop["type"].(string); ok {
		result.Type = api.PropertyType{typeVal}
	}
	if desc, ok := prop["description"].(string); ok {
		result.Description = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		result.Enum = enum
	}
	if items, ok := prop["items"]; ok {
		result.Items = items
	}
	return result
}
