package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tobyms/foreman/internal/domain"
)

const defaultMaxTokens = 8192

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	inner anthropic.Client
}

// Ensure AnthropicClient implements Client.
var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates a new Anthropic-backed client. An empty apiKey
// falls back to the SDK's ANTHROPIC_API_KEY environment lookup.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{inner: anthropic.NewClient(opts...)}
}

// CreateChatCompletion translates the request to the Messages API and the
// response back to the chat completion shape the engine persists.
func (c *AnthropicClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	params, err := buildMessageParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	msg := domain.ChatMessage{Role: "assistant"}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			msg.Content += variant.Text
		case anthropic.ToolUseBlock:
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:   variant.ID,
				Type: "function",
				Function: domain.ToolCallFunction{
					Name:      variant.Name,
					Arguments: string(variant.Input),
				},
			})
		}
	}

	finishReason := "stop"
	if resp.StopReason == anthropic.StopReasonToolUse {
		finishReason = "tool_calls"
	}

	return &ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      &msg,
				FinishReason: finishReason,
			},
		},
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

func buildMessageParams(req *ChatCompletionRequest) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(tc.Function.Arguments), tc.Function.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Tools:     buildToolParams(req.Tools),
	}
	return params, nil
}

func buildToolParams(tools []Tool) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		properties, required := splitSchema(t.Function.Parameters)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Function.Name,
				Description: anthropic.String(t.Function.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: properties,
					Required:   required,
				},
			},
		})
	}
	return out
}

// splitSchema pulls properties and required out of a JSON-schema object.
func splitSchema(params interface{}) (map[string]interface{}, []string) {
	schema, ok := params.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	properties, _ := schema["properties"].(map[string]interface{})
	var required []string
	switch v := schema["required"].(type) {
	case []string:
		required = v
	case []interface{}:
		for _, r := range v {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	return properties, required
}
