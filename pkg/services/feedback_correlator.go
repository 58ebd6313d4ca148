package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/langgraph"
	"github.com/knowted/knowted-gateway/pkg/langsmith"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// FeedbackCorrelator locates the trace a chat message belongs to.
type FeedbackCorrelator interface {
	// ExtractTraceIDs reads the thread's state and returns the run and trace ids
	// of the message. Missing ids are empty; an error means the state could
	// not be read.
	ExtractTraceIDs(ctx context.Context, threadID, messageID string) (models.TraceIDs, error)
}

// messageMatcher is one way of recognising a message by the id the client holds.
type messageMatcher struct {
	name  string
	match func(msg map[string]any, messageID string) bool
}

// messageMatchers are tried in order; the first matcher that hits any message wins.
var messageMatchers = []messageMatcher{
	{name: "exact_id", match: func(msg map[string]any, messageID string) bool {
		id, ok := msg["id"].(string)
		return ok && id == messageID
	}},
	{name: "message_id_field", match: func(msg map[string]any, messageID string) bool {
		id, ok := msg["message_id"].(string)
		return ok && id == messageID
	}},
	{name: "stringified_id", match: func(msg map[string]any, messageID string) bool {
		id := stringifyID(msg["id"])
		return id != "" && id == messageID
	}},
	{name: "id_contains", match: func(msg map[string]any, messageID string) bool {
		id := stringifyID(msg["id"])
		return id != "" && strings.Contains(id, messageID)
	}},
	{name: "contains_id", match: func(msg map[string]any, messageID string) bool {
		id := stringifyID(msg["id"])
		return id != "" && strings.Contains(messageID, id)
	}},
}

// Metadata key sets, most specific first.
var (
	runIDKeys            = []string{"run_id", "runId"}
	traceIDKeys          = []string{"trace_id", "traceId"}
	langsmithRunIDKeys   = []string{"langsmith_run_id", "langsmithRunId"}
	langsmithTraceIDKeys = []string{"langsmith_trace_id", "langsmithTraceId"}
	parentRunIDKeys      = []string{"parent_run_id", "parentRunId"}
	latestRunRunIDKeys   = []string{"run_id", "runId", "langsmith_run_id"}
	latestRunTraceIDKeys = []string{"trace_id", "traceId", "langsmith_trace_id"}
)

type feedbackCorrelator struct {
	client      langgraph.API
	assistantID string
	logger      *zap.Logger
}

// NewFeedbackCorrelator creates a correlator that reads thread state as assistantID.
func NewFeedbackCorrelator(client langgraph.API, assistantID string, logger *zap.Logger) FeedbackCorrelator {
	return &feedbackCorrelator{
		client:      client,
		assistantID: assistantID,
		logger:      logger.Named("feedback_correlator"),
	}
}

func (c *feedbackCorrelator) ExtractTraceIDs(ctx context.Context, threadID, messageID string) (models.TraceIDs, error) {
	raw, err := c.client.GetThreadState(ctx, threadID, c.assistantID)
	if err != nil {
		return models.TraceIDs{}, fmt.Errorf("failed to read thread state: %w", err)
	}

	var state models.ThreadState
	if err := json.Unmarshal(raw, &state); err != nil {
		return models.TraceIDs{}, fmt.Errorf("failed to decode thread state: %w", err)
	}

	ids := c.correlate(&state, threadID, messageID)
	if strings.HasPrefix(ids.RunID, langsmith.InternalRunIDPrefix) {
		c.logger.Debug("Discarding internal run id", zap.String("run_id", ids.RunID))
		ids.RunID = ""
	}

	c.logger.Debug("Extracted trace ids",
		zap.String("thread_id", threadID),
		zap.String("message_id", messageID),
		zap.String("run_id", ids.RunID),
		zap.String("trace_id", ids.TraceID))
	return ids, nil
}

func (c *feedbackCorrelator) correlate(state *models.ThreadState, threadID, messageID string) models.TraceIDs {
	threadMeta := state.ThreadMetadata()
	ids := idsFrom(threadMeta, runIDKeys, traceIDKeys)
	if ids.IsEmpty() {
		ids = idsFrom(threadMeta, langsmithRunIDKeys, langsmithTraceIDKeys)
	}

	messages := state.AllMessages()
	msg, strategy := findMessage(messages, messageID)
	if msg == nil {
		c.logger.Debug("Message not found in thread state",
			zap.String("thread_id", threadID),
			zap.String("message_id", messageID),
			zap.Int("messages", len(messages)))
		return ids
	}
	c.logger.Debug("Matched message", zap.String("strategy", strategy))

	if !ids.IsEmpty() {
		return ids
	}

	msgMeta := messageMetadata(msg)
	ids = idsFrom(msgMeta, runIDKeys, traceIDKeys)
	if ids.IsEmpty() {
		ids = idsFrom(msgMeta, langsmithRunIDKeys, langsmithTraceIDKeys)
	}
	if ids.IsEmpty() {
		if parent := firstString(msgMeta, parentRunIDKeys); parent != "" && !strings.HasPrefix(parent, langsmith.InternalRunIDPrefix) {
			ids.RunID = parent
		}
	}
	if ids.IsEmpty() {
		ids = latestRunIDs(state.AllRuns())
	}
	return ids
}

func findMessage(messages []any, messageID string) (map[string]any, string) {
	if messageID == "" {
		return nil, ""
	}
	for _, m := range messageMatchers {
		for _, item := range messages {
			msg, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if m.match(msg, messageID) {
				return msg, m.name
			}
		}
	}
	return nil, ""
}

func messageMetadata(msg map[string]any) map[string]any {
	if meta, ok := msg["metadata"].(map[string]any); ok && len(meta) > 0 {
		return meta
	}
	if kwargs, ok := msg["additional_kwargs"].(map[string]any); ok {
		if meta, ok := kwargs["metadata"].(map[string]any); ok {
			return meta
		}
	}
	return nil
}

func latestRunIDs(runs []any) models.TraceIDs {
	if len(runs) == 0 {
		return models.TraceIDs{}
	}
	run, ok := runs[len(runs)-1].(map[string]any)
	if !ok {
		return models.TraceIDs{}
	}
	meta, ok := run["metadata"].(map[string]any)
	if !ok || len(meta) == 0 {
		meta, _ = run["run_metadata"].(map[string]any)
	}
	return idsFrom(meta, latestRunRunIDKeys, latestRunTraceIDKeys)
}

func idsFrom(meta map[string]any, runKeys, traceKeys []string) models.TraceIDs {
	return models.TraceIDs{
		RunID:   firstString(meta, runKeys),
		TraceID: firstString(meta, traceKeys),
	}
}

func firstString(meta map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := meta[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// stringifyID renders a message id of any JSON type as text.
func stringifyID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}

// Ensure feedbackCorrelator implements FeedbackCorrelator at compile time.
var _ FeedbackCorrelator = (*feedbackCorrelator)(nil)
