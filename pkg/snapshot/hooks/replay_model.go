package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/snapshot/store"
)

// ErrReplayExhausted is returned when the runtime asks for more model turns
// than were recorded.
var ErrReplayExhausted = errors.New("hooks: replay exhausted")

// ReplayModel serves recorded responses in order: the n-th request gets loop
// n's response. Streamed loops replay their recorded chunk sequence.
type ReplayModel struct {
	mu    sync.Mutex
	loops []*store.LoopRecord
	next  int
}

var _ model.Model = (*ReplayModel)(nil)

func NewReplayModel(loops []*store.LoopRecord) *ReplayModel {
	return &ReplayModel{loops: loops}
}

// Served reports how many responses were handed out.
func (m *ReplayModel) Served() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

func (m *ReplayModel) Complete(ctx context.Context, _ model.Request) (*model.Response, error) {
	rec, err := m.take(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Response != nil {
		return decodeResponse(rec)
	}
	chunks, err := decodeChunks(rec)
	if err != nil {
		return nil, err
	}
	return assemble(chunks), nil
}

func (m *ReplayModel) CompleteStream(ctx context.Context, _ model.Request, cb model.StreamHandler) error {
	if cb == nil {
		return errors.New("hooks: stream callback required")
	}
	rec, err := m.take(ctx)
	if err != nil {
		return err
	}
	if !rec.Streamed() {
		resp, err := decodeResponse(rec)
		if err != nil {
			return err
		}
		return cb(model.StreamResult{Final: true, Response: resp})
	}
	chunks, err := decodeChunks(rec)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cb(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (m *ReplayModel) take(ctx context.Context) (*store.LoopRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next >= len(m.loops) {
		return nil, fmt.Errorf("%w: no recorded response for loop %d", ErrReplayExhausted, m.next+1)
	}
	rec := m.loops[m.next]
	m.next++
	if rec.Response == nil && !rec.Streamed() {
		return nil, fmt.Errorf("hooks: loop %d has no recorded response", rec.Index)
	}
	return rec, nil
}

func decodeResponse(rec *store.LoopRecord) (*model.Response, error) {
	var resp model.Response
	if err := store.Decode(rec.Response, &resp); err != nil {
		return nil, fmt.Errorf("hooks: decode loop %d response: %w", rec.Index, err)
	}
	return &resp, nil
}

func decodeChunks(rec *store.LoopRecord) ([]model.StreamResult, error) {
	out := make([]model.StreamResult, len(rec.Chunks))
	for i, raw := range rec.Chunks {
		if err := store.Decode(raw, &out[i]); err != nil {
			return nil, fmt.Errorf("hooks: decode loop %d chunk %d: %w", rec.Index, i, err)
		}
	}
	return out, nil
}

// assemble rebuilds a response from a chunk sequence, preferring the final
// chunk's aggregated response.
func assemble(chunks []model.StreamResult) *model.Response {
	var (
		content strings.Builder
		calls   []model.ToolCall
	)
	for _, c := range chunks {
		if c.Final && c.Response != nil {
			return c.Response
		}
		content.WriteString(c.Delta)
		if c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
	}
	stop := "end_turn"
	if len(calls) > 0 {
		stop = "tool_use"
	}
	return &model.Response{
		Message:    model.Message{Role: "assistant", Content: content.String(), ToolCalls: calls},
		StopReason: stop,
	}
}
