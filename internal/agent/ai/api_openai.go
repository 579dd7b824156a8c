package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/quillagent/quill/internal/agent/history"
)

// OpenAIProvider implements the OpenAI chat completions API using the
// official SDK.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider. Model comes from config -
// do NOT hardcode model IDs.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{
		client: client,
		model:  model,
	}
}

// ID returns the provider identifier
func (p *OpenAIProvider) ID() string {
	return "openai"
}

// Complete sends one request and returns the final text or tool call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	messages := p.buildMessages(req)
	if len(messages) == 0 {
		return nil, &ProviderError{Kind: ErrorMalformed, Message: "no messages to send"}
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal([]byte(tool.InputSchema), &schema); err != nil {
				fmt.Printf("[OpenAI] Failed to parse tool schema for %s: %v\n", tool.Name, err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	fmt.Printf("[OpenAI] Sending request: model=%s messages=%d tools=%d max_tokens=%d\n",
		model, len(messages), len(req.Tools), req.MaxTokens)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Kind: ErrorMalformed, Message: "no choices in response"}
	}

	choice := completion.Choices[0]
	resp := &ChatResponse{Text: choice.Message.Content}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		resp.ToolCall = &history.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(args),
		}
	}

	if resp.Text == "" && resp.ToolCall == nil {
		return nil, &ProviderError{Kind: ErrorMalformed, Message: "empty response from model"}
	}
	return resp, nil
}

// buildMessages converts conversation messages to OpenAI format. Tool calls
// and results are only sent as pairs; a result whose call was trimmed away
// would be rejected as an orphaned tool message.
func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	respondedIDs := make(map[string]bool)
	calledIDs := make(map[string]bool)
	for _, msg := range req.Messages {
		if msg.ToolResult != nil {
			respondedIDs[msg.ToolResult.ToolCallID] = true
		}
		if msg.ToolCall != nil {
			calledIDs[msg.ToolCall.ID] = true
		}
	}

	var result []openai.ChatCompletionMessageParamUnion

	system := req.System
	if req.Retrieval != "" {
		system += "\n\n" + req.Retrieval
	}
	if system != "" {
		result = append(result, openai.SystemMessage(system))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case history.RoleUser:
			if msg.Content == "" {
				continue
			}
			result = append(result, openai.UserMessage(msg.Content))

		case history.RoleSummary:
			result = append(result, openai.UserMessage("Summary of earlier conversation:\n"+msg.Content))

		case history.RoleAssistant:
			if msg.Content == "" {
				continue
			}
			result = append(result, openai.AssistantMessage(msg.Content))

		case history.RoleToolCall:
			if msg.ToolCall == nil {
				continue
			}
			if !respondedIDs[msg.ToolCall.ID] {
				fmt.Printf("[OpenAI] Skipping tool_call without response: %s\n", msg.ToolCall.ID)
				continue
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{
				Role: "assistant",
				ToolCalls: []openai.ChatCompletionMessageToolCallParam{
					{
						ID:   msg.ToolCall.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      msg.ToolCall.Name,
							Arguments: string(msg.ToolCall.Input),
						},
					},
				},
			}
			if msg.Content != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &assistantMsg,
			})

		case history.RoleToolResult:
			if msg.ToolResult == nil {
				continue
			}
			if !calledIDs[msg.ToolResult.ToolCallID] {
				fmt.Printf("[OpenAI] Skipping tool_result without call: %s\n", msg.ToolResult.ToolCallID)
				continue
			}
			result = append(result, openai.ToolMessage(msg.ToolResult.Content, msg.ToolResult.ToolCallID))
		}
	}

	return result
}
