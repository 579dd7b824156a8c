package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quillagent/quill/internal/agent/history"
)

const defaultMaxTokens = 8192

// AnthropicProvider implements the Anthropic Messages API using the official SDK.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider. Model comes from
// config - do NOT hardcode model IDs.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{
		client: client,
		model:  model,
	}
}

// ID returns the provider identifier
func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// Complete sends one request and accumulates the streamed response into a
// final text or a single tool call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	messages := p.buildMessages(req.Messages)
	if len(messages) == 0 {
		return nil, &ProviderError{Kind: ErrorMalformed, Message: "no messages to send"}
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}

	system := req.System
	if req.Retrieval != "" {
		system += "\n\n" + req.Retrieval
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal([]byte(tool.InputSchema), &schema); err != nil {
				fmt.Printf("[Anthropic] Failed to parse tool schema for %s: %v\n", tool.Name, err)
				continue
			}

			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]interface{}); ok {
				reqStrings := make([]string, len(required))
				for i, r := range required {
					reqStrings[i], _ = r.(string)
				}
				toolParam.InputSchema.Required = reqStrings
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	fmt.Printf("[Anthropic] Sending request: model=%s messages=%d tools=%d max_tokens=%d\n",
		model, len(messages), len(req.Tools), params.MaxTokens)

	stream := p.client.Messages.NewStreaming(ctx, params)

	var (
		text            string
		currentToolID   string
		currentToolName string
		inputBuffer     string
		toolCall        *history.ToolCall
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			cb := event.AsContentBlockStart()
			block := cb.ContentBlock.AsAny()
			if toolUse, ok := block.(anthropic.ToolUseBlock); ok {
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				inputBuffer = ""
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text += d.Text
			case anthropic.InputJSONDelta:
				inputBuffer += d.PartialJSON
			}

		case "content_block_stop":
			if currentToolID != "" && toolCall == nil {
				input := inputBuffer
				if input == "" {
					input = "{}"
				}
				toolCall = &history.ToolCall{
					ID:    currentToolID,
					Name:  currentToolName,
					Input: json.RawMessage(input),
				}
			}
			currentToolID = ""
			currentToolName = ""
			inputBuffer = ""

		case "error":
			return nil, &ProviderError{
				Kind:    ErrorMalformed,
				Message: fmt.Sprintf("stream error: %s", event.RawJSON()),
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	if text == "" && toolCall == nil {
		return nil, &ProviderError{Kind: ErrorMalformed, Message: "empty response from model"}
	}

	return &ChatResponse{Text: text, ToolCall: toolCall}, nil
}

// buildMessages converts conversation messages to Anthropic format. Tool
// calls without a matching result (and vice versa) are dropped so the API
// never sees an unpaired tool_use block.
func (p *AnthropicProvider) buildMessages(msgs []history.Message) []anthropic.MessageParam {
	calledIDs := make(map[string]bool)
	respondedIDs := make(map[string]bool)
	for _, msg := range msgs {
		if msg.ToolCall != nil {
			calledIDs[msg.ToolCall.ID] = true
		}
		if msg.ToolResult != nil {
			respondedIDs[msg.ToolResult.ToolCallID] = true
		}
	}

	var result []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case history.RoleUser:
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))

		case history.RoleSummary:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewTextBlock("Summary of earlier conversation:\n"+msg.Content),
			))

		case history.RoleAssistant:
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		case history.RoleToolCall:
			if msg.ToolCall == nil {
				continue
			}
			if !respondedIDs[msg.ToolCall.ID] {
				fmt.Printf("[Anthropic] Skipping tool_use without response: %s\n", msg.ToolCall.ID)
				continue
			}
			var input map[string]interface{}
			if err := json.Unmarshal(msg.ToolCall.Input, &input); err != nil {
				input = map[string]interface{}{}
			}
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    msg.ToolCall.ID,
					Name:  msg.ToolCall.Name,
					Input: input,
				},
			})
			result = append(result, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case history.RoleToolResult:
			if msg.ToolResult == nil || !calledIDs[msg.ToolResult.ToolCallID] {
				continue
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(
					msg.ToolResult.ToolCallID,
					msg.ToolResult.Content,
					msg.ToolResult.IsError,
				),
			))
		}
	}
	return result
}
