package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider speaks the OpenAI chat-completions protocol, which most
// hosted and self-hosted inference servers expose.
type OpenAIProvider struct {
	name      string
	model     string
	maxTokens int
	client    *openai.Client
}

// OpenAIOptions configures a single OpenAI-compatible endpoint.
type OpenAIOptions struct {
	Name      string
	BaseURL   string // empty means api.openai.com
	APIKey    string
	Model     string
	MaxTokens int
}

func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	name := opts.Name
	if name == "" {
		name = opts.Model
	}
	return &OpenAIProvider{
		name:      name,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		client:    openai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) SendMessage(ctx context.Context, messages []Message, tools []ToolDef, system string) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  toOpenAIMessages(messages, system),
		Tools:     toOpenAITools(tools),
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	choice := resp.Choices[0]
	msg := Message{
		Role:    RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}

	return &Completion{
		Message:    msg,
		StopReason: mapFinishReason(choice.FinishReason, len(msg.ToolCalls) > 0),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func toOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range messages {
		cm := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case RoleUser:
			cm.Role = openai.ChatMessageRoleUser
		case RoleAssistant:
			cm.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
		case RoleTool:
			cm.Role = openai.ChatMessageRoleTool
			cm.ToolCallID = m.ToolCallID
		}
		out = append(out, cm)
	}
	return out
}

func toOpenAITools(tools []ToolDef) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func mapFinishReason(fr openai.FinishReason, hasToolCalls bool) StopReason {
	switch fr {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return StopToolUse
	case openai.FinishReasonLength:
		return StopMaxTokens
	}
	// Some servers report "stop" even when tool calls are present.
	if hasToolCalls {
		return StopToolUse
	}
	return StopEndTurn
}
