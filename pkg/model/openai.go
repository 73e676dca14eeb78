package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	openaissestream "github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

const (
	defaultOpenAIModel     = "gpt-4o"
	defaultOpenAIMaxTokens = 4096
)

// OpenAIConfig wires an openai-go chat completions client into the Model
// interface.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	System      string
	Temperature *float64
	HTTPClient  *http.Client
}

type openaiCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...openaioption.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...openaioption.RequestOption) *openaissestream.Stream[openai.ChatCompletionChunk]
}

type openaiModel struct {
	chat        openaiCompletions
	model       string
	maxTokens   int
	system      string
	temperature *float64
}

// NewOpenAI constructs a Model backed by the OpenAI chat completions API or
// any endpoint compatible with it. Retries are left to the client.
func NewOpenAI(cfg OpenAIConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(cfg.APIKey),
		openaioption.WithMaxRetries(max(cfg.MaxRetries, 0)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openaioption.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)

	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		name = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}
	return &openaiModel{
		chat:        &client.Chat.Completions,
		model:       name,
		maxTokens:   maxTokens,
		system:      strings.TrimSpace(cfg.System),
		temperature: cfg.Temperature,
	}, nil
}

// Complete issues a non-streaming chat completion.
func (m *openaiModel) Complete(ctx context.Context, req Request) (*Response, error) {
	completion, err := m.chat.New(ctx, m.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return convertCompletion(completion), nil
}

// CompleteStream issues a streaming chat completion. Text deltas and
// finished tool calls are forwarded as they arrive; the final chunk carries
// the accumulated response.
func (m *openaiModel) CompleteStream(ctx context.Context, req Request, cb StreamHandler) error {
	if cb == nil {
		return errors.New("openai: stream callback required")
	}
	params := m.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := m.chat.NewStreaming(ctx, params)
	if stream == nil {
		return errors.New("openai: stream not available")
	}
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if call, ok := acc.JustFinishedToolCall(); ok {
			tc := &ToolCall{ID: call.ID, Name: call.Name, Arguments: decodeArguments(json.RawMessage(call.Arguments))}
			if err := cb(StreamResult{ToolCall: tc}); err != nil {
				return err
			}
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := cb(StreamResult{Delta: chunk.Choices[0].Delta.Content}); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	return cb(StreamResult{Final: true, Response: convertCompletion(&acc.ChatCompletion)})
}

func (m *openaiModel) buildParams(req Request) openai.ChatCompletionNewParams {
	selected := m.model
	if strings.TrimSpace(req.Model) != "" {
		selected = strings.TrimSpace(req.Model)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(selected),
		Messages:            convertOpenAIMessages(req.Messages, m.system, req.System),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertOpenAITools(req.Tools)
	}
	if m.temperature != nil {
		params.Temperature = openai.Float(*m.temperature)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

func convertOpenAIMessages(msgs []Message, defaults ...string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+len(defaults))
	for _, sys := range defaults {
		if trimmed := strings.TrimSpace(sys); trimmed != "" {
			out = append(out, openai.SystemMessage(trimmed))
		}
	}
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			if trimmed := strings.TrimSpace(msg.Content); trimmed != "" {
				out = append(out, openai.SystemMessage(trimmed))
			}
		case "assistant":
			out = append(out, openaiAssistantMessage(msg))
		case "tool":
			// One tool turn per call id; every call shares the encoded content.
			for _, call := range msg.ToolCalls {
				if strings.TrimSpace(call.ID) == "" {
					continue
				}
				out = append(out, openai.ToolMessage(nonEmpty(msg.Content), call.ID))
			}
		default:
			out = append(out, openai.UserMessage(nonEmpty(msg.Content)))
		}
	}
	return out
}

func openaiAssistantMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	var p openai.ChatCompletionAssistantMessageParam
	if strings.TrimSpace(msg.Content) != "" {
		p.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
	}
	for _, call := range msg.ToolCalls {
		if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Name) == "" {
			continue
		}
		args := "{}"
		if len(call.Arguments) > 0 {
			if data, err := json.Marshal(call.Arguments); err == nil {
				args = string(data)
			}
		}
		p.ToolCalls = append(p.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:       call.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{Name: call.Name, Arguments: args},
		})
	}
	if len(p.ToolCalls) == 0 && strings.TrimSpace(msg.Content) == "" {
		p.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(".")}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &p}
}

func convertOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, def := range tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: name}
		if strings.TrimSpace(def.Description) != "" {
			fn.Description = openai.String(def.Description)
		}
		params := shared.FunctionParameters{"type": "object"}
		for k, v := range def.Parameters {
			params[k] = v
		}
		fn.Parameters = params
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func convertCompletion(c *openai.ChatCompletion) *Response {
	resp := &Response{Message: Message{Role: "assistant"}}
	if c == nil {
		return resp
	}
	resp.Usage = Usage{
		InputTokens:     int(c.Usage.PromptTokens),
		OutputTokens:    int(c.Usage.CompletionTokens),
		TotalTokens:     int(c.Usage.TotalTokens),
		CacheReadTokens: int(c.Usage.PromptTokensDetails.CachedTokens),
	}
	if len(c.Choices) == 0 {
		return resp
	}
	choice := c.Choices[0]
	resp.Message.Content = choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Function.Name) == "" {
			continue
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: decodeArguments(json.RawMessage(call.Function.Arguments)),
		})
	}
	resp.StopReason = openaiStopReason(string(choice.FinishReason))
	return resp
}

// openaiStopReason maps finish reasons onto the stop reasons the runtime
// records for every provider.
func openaiStopReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool_use"
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}
