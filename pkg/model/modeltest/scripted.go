package modeltest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cexll/agentsnap/pkg/model"
)

// Response configures one model turn in a scripted sequence.
type Response struct {
	Message    model.Message
	Usage      model.Usage
	StopReason string
	Err        error
}

// ScriptedModel is a deterministic model for runtime tests. Each call
// consumes the next scripted response; requests are kept for inspection.
type ScriptedModel struct {
	mu        sync.Mutex
	index     int
	responses []Response
	requests  []model.Request
}

func NewScriptedModel(responses ...Response) *ScriptedModel {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &ScriptedModel{responses: cloned}
}

var _ model.Model = (*ScriptedModel)(nil)

func (m *ScriptedModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	return m.next(req)
}

// CompleteStream splits the scripted content on spaces into text deltas,
// then emits one chunk per tool call and a final chunk.
func (m *ScriptedModel) CompleteStream(_ context.Context, req model.Request, cb model.StreamHandler) error {
	if cb == nil {
		return fmt.Errorf("stream callback required")
	}
	resp, err := m.next(req)
	if err != nil {
		return err
	}
	if content := resp.Message.Content; content != "" {
		words := strings.SplitAfter(content, " ")
		for _, w := range words {
			if err := cb(model.StreamResult{Delta: w}); err != nil {
				return err
			}
		}
	}
	for i := range resp.Message.ToolCalls {
		call := model.CloneToolCall(resp.Message.ToolCalls[i])
		if err := cb(model.StreamResult{ToolCall: &call}); err != nil {
			return err
		}
	}
	return cb(model.StreamResult{Final: true, Response: resp})
}

// Requests returns a copy of every request received so far.
func (m *ScriptedModel) Requests() []model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Remaining reports how many scripted responses are unused.
func (m *ScriptedModel) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses) - m.index
}

func (m *ScriptedModel) next(req model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.index >= len(m.responses) {
		return nil, fmt.Errorf("script exhausted at step %d", m.index+1)
	}
	current := m.responses[m.index]
	m.index++
	if current.Err != nil {
		return nil, current.Err
	}
	msg := model.CloneMessage(current.Message)
	if msg.Role == "" {
		msg.Role = "assistant"
	}
	stop := current.StopReason
	if stop == "" {
		stop = "end_turn"
		if len(msg.ToolCalls) > 0 {
			stop = "tool_use"
		}
	}
	return &model.Response{Message: msg, Usage: current.Usage, StopReason: stop}, nil
}
