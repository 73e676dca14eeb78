package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ToolCallRecord is one tool invocation of a loop. A record carries a result
// or an error, never both. An empty Error means the call succeeded; a nil
// Result then means it produced no output.
type ToolCallRecord struct {
	ID         string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Succeeded reports whether the recorded call completed without error.
func (r ToolCallRecord) Succeeded() bool { return r.Error == "" }

// Validate enforces the record invariants.
func (r ToolCallRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("store: tool call record missing id")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("store: tool call record %s missing name", r.ID)
	}
	if r.Result != nil && r.Error != "" {
		return fmt.Errorf("store: tool call record %s has both result and error", r.ID)
	}
	return nil
}

// LoopRecord is the decoded artifact set of one loop. Response is nil when
// the loop was streamed; Chunks holds the stream in order instead.
type LoopRecord struct {
	Index     int
	Request   any
	Response  any
	Chunks    []any
	ToolCalls []ToolCallRecord
	Events    []any
}

// Streamed reports whether the loop recorded a chunk stream.
func (r *LoopRecord) Streamed() bool { return len(r.Chunks) > 0 }

// ReadLoop decodes every artifact of loop n. Only the request is required.
func (s *Store) ReadLoop(n int) (*LoopRecord, error) {
	rec := &LoopRecord{Index: n}

	reqs, err := s.Read(n, Request)
	if err != nil {
		return nil, err
	}
	if len(reqs) > 0 {
		rec.Request = reqs[0]
	}
	if rec.Response, err = s.optionalFirst(n, Response); err != nil {
		return nil, err
	}
	if rec.Chunks, err = s.optional(n, Stream); err != nil {
		return nil, err
	}
	if rec.Events, err = s.optional(n, EventStream); err != nil {
		return nil, err
	}
	if rec.ToolCalls, err = s.ReadToolCalls(n); err != nil {
		return nil, err
	}
	return rec, nil
}

// WriteToolCalls validates and writes the tool-call records of a loop.
func (s *Store) WriteToolCalls(loop int, records []ToolCallRecord) error {
	values := make([]any, len(records))
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
		values[i] = r
	}
	return s.Write(loop, ToolCalls, values)
}

// ReadToolCalls decodes the tool-call records of a loop; a loop without
// tool calls yields nil.
func (s *Store) ReadToolCalls(loop int) ([]ToolCallRecord, error) {
	values, err := s.optional(loop, ToolCalls)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	out := make([]ToolCallRecord, 0, len(values))
	for i, v := range values {
		var rec ToolCallRecord
		if err := Decode(v, &rec); err != nil {
			return nil, fmt.Errorf("store: loop %d tool call %d: %w", loop, i+1, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Decode converts a generic decoded value into a typed destination.
func Decode(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(dst)
}

func (s *Store) optional(loop int, a Artifact) ([]any, error) {
	values, err := s.Read(loop, a)
	if errors.Is(err, ErrArtifactNotFound) {
		return nil, nil
	}
	return values, err
}

func (s *Store) optionalFirst(loop int, a Artifact) (any, error) {
	values, err := s.optional(loop, a)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return values[0], nil
}
