// Package models contains domain types for knowted-gateway.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Keys of RunConfig.Configurable the gateway reads or writes.
const (
	ConfigOrganizationID        = "organization_id"
	ConfigUserID                = "user_id"
	ConfigThreadID              = "thread_id"
	ConfigOrganizationName      = "organization_name"
	ConfigTeamName              = "team_name"
	ConfigUserName              = "user_name"
	ConfigInternalServiceSecret = "internal_service_secret"
)

// RunVariant records which shape the caller used for the run body.
type RunVariant string

const (
	// RunVariantMessages is {messages: [...]}; it is folded into Input on decode.
	RunVariantMessages RunVariant = "messages"
	// RunVariantInput is {input: {...}}.
	RunVariantInput RunVariant = "input"
	// RunVariantCommand is a resume request carrying {command: {...}} and no input.
	RunVariantCommand RunVariant = "command"
)

// ErrMissingRunInput is returned for run bodies with neither messages, input nor command.
var ErrMissingRunInput = errors.New("run request must contain messages or input")

// RunRequest is a run body validated at the HTTP boundary.
// After DecodeRunRequest a bare message list has been moved under
// Input.messages and no top-level messages key remains. Keys the gateway does
// not interpret (stream_mode, metadata, checkpoint, ...) are kept verbatim in Extra.
type RunRequest struct {
	Variant     RunVariant
	AssistantID string
	Input       json.RawMessage
	Config      *RunConfig
	Extra       map[string]json.RawMessage
}

// DecodeRunRequest parses and normalizes a run body.
// An empty body is treated as an empty object.
func DecodeRunRequest(data []byte) (*RunRequest, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("run request must be a JSON object: %w", err)
		}
	}

	req := &RunRequest{Extra: fields}

	if raw, ok := take(fields, "assistant_id"); ok {
		if err := json.Unmarshal(raw, &req.AssistantID); err != nil {
			return nil, fmt.Errorf("assistant_id must be a string: %w", err)
		}
	}

	if raw, ok := take(fields, "config"); ok {
		cfg := &RunConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		req.Config = cfg
	}

	input, hasInput := take(fields, "input")
	messages, hasMessages := take(fields, "messages")

	switch {
	case hasInput:
		req.Variant = RunVariantInput
		req.Input = input
	case hasMessages:
		if !isJSONArray(messages) {
			return nil, errors.New("messages must be an array")
		}
		wrapped, err := json.Marshal(map[string]json.RawMessage{"messages": messages})
		if err != nil {
			return nil, fmt.Errorf("failed to wrap messages: %w", err)
		}
		req.Variant = RunVariantMessages
		req.Input = wrapped
	case !isNull(fields["command"]):
		req.Variant = RunVariantCommand
	default:
		return nil, ErrMissingRunInput
	}

	return req, nil
}

// EnsureConfig returns the request config, creating it when absent.
func (r *RunRequest) EnsureConfig() *RunConfig {
	if r.Config == nil {
		r.Config = &RunConfig{}
	}
	return r.Config
}

// MarshalJSON renders the normalized body sent to the agent runtime.
func (r *RunRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.AssistantID != "" {
		out["assistant_id"] = r.AssistantID
	}
	if r.Input != nil {
		out["input"] = r.Input
	}
	if r.Config != nil {
		out["config"] = r.Config
	}
	return json.Marshal(out)
}

// RunConfig is the run's configuration bag. Configurable holds the per-run
// identity values; any other config members are preserved untouched.
type RunConfig struct {
	Configurable map[string]any
	Extra        map[string]json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *RunConfig) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if !isNull(data) {
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
	}

	c.Configurable = map[string]any{}
	if raw, ok := take(fields, "configurable"); ok {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&c.Configurable); err != nil {
			return fmt.Errorf("configurable must be an object: %w", err)
		}
		if c.Configurable == nil {
			c.Configurable = map[string]any{}
		}
	}
	c.Extra = fields
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *RunConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.Configurable != nil {
		out["configurable"] = c.Configurable
	}
	return json.Marshal(out)
}

// Get returns a configurable value as a string, or "" when absent or not a string.
func (c *RunConfig) Get(key string) string {
	if c == nil {
		return ""
	}
	s, _ := c.Configurable[key].(string)
	return s
}

// Set assigns a configurable value. Empty strings remove the key.
func (c *RunConfig) Set(key, value string) {
	if c.Configurable == nil {
		c.Configurable = map[string]any{}
	}
	if value == "" {
		delete(c.Configurable, key)
		return
	}
	c.Configurable[key] = value
}

// Clone returns a copy whose maps can be modified independently.
func (c *RunConfig) Clone() *RunConfig {
	if c == nil {
		return nil
	}
	return &RunConfig{
		Configurable: maps.Clone(c.Configurable),
		Extra:        maps.Clone(c.Extra),
	}
}

// take removes key from fields and reports whether it held a non-null value.
func take(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}
	delete(fields, key)
	if isNull(raw) {
		return nil, false
	}
	return raw, true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
