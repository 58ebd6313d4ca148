package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Thread is the subset of an agent-runtime thread the gateway inspects.
type Thread struct {
	ThreadID string         `json:"thread_id"`
	Status   string         `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Config   *RunConfig     `json:"config,omitempty"`

	// Raw is the document as received, for relaying back to callers.
	Raw json.RawMessage `json:"-"`
}

// DecodeThread parses a thread document. Runtimes differ in how they name the
// identifier; thread_id, threadId and id are accepted in that order.
func DecodeThread(data []byte) (*Thread, error) {
	var doc struct {
		Thread
		AltThreadID string `json:"threadId"`
		ID          string `json:"id"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	t := doc.Thread
	t.Raw = append(json.RawMessage(nil), data...)
	if t.ThreadID == "" {
		t.ThreadID = doc.AltThreadID
	}
	if t.ThreadID == "" {
		t.ThreadID = doc.ID
	}
	return &t, nil
}

// ThreadState is a thread's current state as returned by
// GET /threads/{id}/state. Messages and runs may live under values or at the
// top level depending on the graph; both locations are kept.
type ThreadState struct {
	Values   StateValues    `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Messages []any          `json:"messages,omitempty"`
	Runs     []any          `json:"runs,omitempty"`
}

// StateValues is the graph state channel map.
type StateValues struct {
	Messages []any          `json:"messages,omitempty"`
	Runs     []any          `json:"runs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON tolerates graphs whose state is not an object.
func (v *StateValues) UnmarshalJSON(data []byte) error {
	type plain StateValues
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		*v = StateValues{}
		return nil
	}
	*v = StateValues(p)
	return nil
}

// AllMessages returns values.messages, or the top-level messages when the
// values channel has none.
func (s *ThreadState) AllMessages() []any {
	if len(s.Values.Messages) > 0 {
		return s.Values.Messages
	}
	return s.Messages
}

// AllRuns returns values.runs, or the top-level runs.
func (s *ThreadState) AllRuns() []any {
	if len(s.Values.Runs) > 0 {
		return s.Values.Runs
	}
	return s.Runs
}

// ThreadMetadata returns the top-level metadata, or values.metadata.
func (s *ThreadState) ThreadMetadata() map[string]any {
	if len(s.Metadata) > 0 {
		return s.Metadata
	}
	return s.Values.Metadata
}

// ThreadCreateRequest is the body of a thread creation. Only config is
// interpreted; thread_id, metadata, if_exists and any other keys pass through.
type ThreadCreateRequest struct {
	Config *RunConfig
	Extra  map[string]json.RawMessage
}

// DecodeThreadCreateRequest parses a thread creation body. An empty body is
// treated as an empty object.
func DecodeThreadCreateRequest(data []byte) (*ThreadCreateRequest, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("thread request must be a JSON object: %w", err)
		}
	}

	req := &ThreadCreateRequest{Extra: fields}
	if raw, ok := take(fields, "config"); ok {
		cfg := &RunConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		req.Config = cfg
	}
	return req, nil
}

// EnsureConfig returns the request config, creating it when absent.
func (r *ThreadCreateRequest) EnsureConfig() *RunConfig {
	if r.Config == nil {
		r.Config = &RunConfig{}
	}
	return r.Config
}

// MarshalJSON implements json.Marshaler.
func (r *ThreadCreateRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+1)
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.Config != nil {
		out["config"] = r.Config
	}
	return json.Marshal(out)
}
