package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const (
	defaultAnthropicModel     = anthropicsdk.ModelClaudeSonnet4_5_20250929
	defaultAnthropicMaxTokens = 4096
)

// AnthropicConfig wires an anthropic-sdk-go client into the Model interface.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	System      string
	Temperature *float64
	HTTPClient  *http.Client
}

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
	NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

type anthropicModel struct {
	msgs        anthropicMessages
	model       anthropicsdk.Model
	maxTokens   int
	maxRetries  int
	system      string
	temperature *float64
}

// NewAnthropic constructs the Model used for recording real runs.
func NewAnthropic(cfg AnthropicConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := anthropicsdk.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &anthropicModel{
		msgs:        &client.Messages,
		model:       modelName(cfg.Model),
		maxTokens:   maxTokens,
		maxRetries:  max(cfg.MaxRetries, 0),
		system:      strings.TrimSpace(cfg.System),
		temperature: cfg.Temperature,
	}, nil
}

// Complete issues a non-streaming completion.
func (m *anthropicModel) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := m.buildParams(req)
	if err != nil {
		return nil, err
	}
	var resp *Response
	err = m.doWithRetry(ctx, func(ctx context.Context) error {
		msg, err := m.msgs.New(ctx, params)
		if err != nil {
			return err
		}
		resp = &Response{
			Message:    convertResponseMessage(*msg),
			Usage:      convertUsage(msg.Usage),
			StopReason: string(msg.StopReason),
		}
		return nil
	})
	return resp, err
}

// CompleteStream issues a streaming completion and forwards every chunk to cb
// in emission order; the final chunk carries the aggregated response.
func (m *anthropicModel) CompleteStream(ctx context.Context, req Request, cb StreamHandler) error {
	if cb == nil {
		return errors.New("anthropic: stream callback required")
	}
	params, err := m.buildParams(req)
	if err != nil {
		return err
	}

	return m.doWithRetry(ctx, func(ctx context.Context) error {
		stream := m.msgs.NewStreaming(ctx, params)
		if stream == nil {
			return errors.New("anthropic: stream not available")
		}
		defer stream.Close()

		var final anthropicsdk.Message
		for stream.Next() {
			event := stream.Current()
			if err := final.Accumulate(event); err != nil {
				return fmt.Errorf("anthropic: accumulate stream: %w", err)
			}
			switch ev := event.AsAny().(type) {
			case anthropicsdk.ContentBlockDeltaEvent:
				if text := ev.Delta.AsTextDelta().Text; text != "" {
					if err := cb(StreamResult{Delta: text}); err != nil {
						return err
					}
				}
			case anthropicsdk.ContentBlockStopEvent:
				if call := lastToolCall(final); call != nil {
					if err := cb(StreamResult{ToolCall: call}); err != nil {
						return err
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}

		return cb(StreamResult{Final: true, Response: &Response{
			Message:    convertResponseMessage(final),
			Usage:      convertUsage(final.Usage),
			StopReason: string(final.StopReason),
		}})
	})
}

func (m *anthropicModel) buildParams(req Request) (anthropicsdk.MessageNewParams, error) {
	systemBlocks, messages := convertMessages(req.Messages, m.system, req.System)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	selected := m.model
	if strings.TrimSpace(req.Model) != "" {
		selected = modelName(req.Model)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     selected,
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if m.temperature != nil {
		params.Temperature = param.NewOpt(*m.temperature)
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	return params, nil
}

func (m *anthropicModel) doWithRetry(ctx context.Context, fn func(context.Context) error) error {
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || attempts >= m.maxRetries {
			return err
		}
		attempts++
		backoff := time.Duration(attempts*attempts) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func convertMessages(msgs []Message, defaults ...string) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var systemBlocks []anthropicsdk.TextBlockParam
	for _, sys := range defaults {
		if trimmed := strings.TrimSpace(sys); trimmed != "" {
			systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: trimmed})
		}
	}

	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			if trimmed := strings.TrimSpace(msg.Content); trimmed != "" {
				systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: trimmed})
			}
		case "assistant":
			out = append(out, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleAssistant,
				Content: assistantBlocks(msg),
			})
		case "tool":
			out = append(out, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: toolResultBlocks(msg),
			})
		default:
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(nonEmpty(msg.Content))))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(".")))
	}
	return systemBlocks, out
}

func assistantBlocks(msg Message) []anthropicsdk.ContentBlockParamUnion {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
	if strings.TrimSpace(msg.Content) != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Name) == "" {
			continue
		}
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, cloneValue(call.Arguments), call.Name))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock("."))
	}
	return blocks
}

// toolResultBlocks maps a tool turn to tool_result blocks. The runtime encodes
// failures as {"error": "..."} so the flag is derived from the content.
func toolResultBlocks(msg Message) []anthropicsdk.ContentBlockParamUnion {
	isError := false
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(msg.Content)), &payload); err == nil {
		if val, ok := payload["error"].(string); ok && strings.TrimSpace(val) != "" {
			isError = true
		}
	}
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		if strings.TrimSpace(call.ID) == "" {
			continue
		}
		blocks = append(blocks, anthropicsdk.NewToolResultBlock(call.ID, msg.Content, isError))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock(nonEmpty(msg.Content)))
	}
	return blocks
}

func convertTools(tools []ToolDefinition) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema, err := encodeSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", name, err)
		}
		tool := anthropicsdk.ToolParam{Name: name, InputSchema: schema}
		if strings.TrimSpace(def.Description) != "" {
			tool.Description = anthropicsdk.String(def.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func encodeSchema(raw map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	var schema anthropicsdk.ToolInputSchemaParam
	if len(raw) > 0 {
		data, err := json.Marshal(raw)
		if err != nil {
			return schema, err
		}
		if err := json.Unmarshal(data, &schema); err != nil {
			return schema, err
		}
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func convertResponseMessage(msg anthropicsdk.Message) Message {
	var text strings.Builder
	var calls []ToolCall
	for _, block := range msg.Content {
		if call := toolCallFromBlock(block); call != nil {
			calls = append(calls, *call)
			continue
		}
		text.WriteString(block.Text)
	}
	role := strings.TrimSpace(string(msg.Role))
	if role == "" {
		role = "assistant"
	}
	return Message{Role: role, Content: text.String(), ToolCalls: calls}
}

func toolCallFromBlock(block anthropicsdk.ContentBlockUnion) *ToolCall {
	if block.Type != "tool_use" {
		return nil
	}
	id := strings.TrimSpace(block.ID)
	name := strings.TrimSpace(block.Name)
	if id == "" || name == "" {
		return nil
	}
	return &ToolCall{ID: id, Name: name, Arguments: decodeArguments(block.Input)}
}

func lastToolCall(msg anthropicsdk.Message) *ToolCall {
	if len(msg.Content) == 0 {
		return nil
	}
	return toolCallFromBlock(msg.Content[len(msg.Content)-1])
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

func convertUsage(u anthropicsdk.Usage) Usage {
	return Usage{
		InputTokens:         int(u.InputTokens),
		OutputTokens:        int(u.OutputTokens),
		TotalTokens:         int(u.InputTokens + u.OutputTokens),
		CacheReadTokens:     int(u.CacheReadInputTokens),
		CacheCreationTokens: int(u.CacheCreationInputTokens),
	}
}

func modelName(name string) anthropicsdk.Model {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return anthropicsdk.Model(trimmed)
	}
	return defaultAnthropicModel
}

func nonEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "."
	}
	return s
}
