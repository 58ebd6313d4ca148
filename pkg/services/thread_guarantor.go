package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/langgraph"
	"github.com/knowted/knowted-gateway/pkg/logging"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// ThreadGuarantor makes sure a remote thread exists before a run targets it.
type ThreadGuarantor interface {
	EnsureThreadExists(ctx context.Context, assistantID, threadID string, cfg *models.RunConfig) error
}

type threadGuarantor struct {
	client langgraph.API
	logger *zap.Logger
}

// NewThreadGuarantor creates a guarantor backed by the agent runtime.
func NewThreadGuarantor(client langgraph.API, logger *zap.Logger) ThreadGuarantor {
	return &threadGuarantor{
		client: client,
		logger: logger.Named("thread_guarantor"),
	}
}

// EnsureThreadExists fetches the thread and creates it when the runtime
// answers 404. Creation uses if_exists=do_nothing, so concurrent creators of
// the same id all succeed. An existing thread's stored config is compared
// with cfg for logging only; it is never corrected remotely.
func (g *threadGuarantor) EnsureThreadExists(ctx context.Context, assistantID, threadID string, cfg *models.RunConfig) error {
	thread, err := g.client.GetThread(ctx, threadID)
	if err == nil {
		g.compareConfig(thread, cfg)
		return nil
	}

	if !langgraph.IsNotFound(err) {
		return err
	}

	g.logger.Debug("Thread not found, creating",
		zap.String("thread_id", threadID),
		zap.String("assistant_id", assistantID))

	body := map[string]any{
		"thread_id": threadID,
		"if_exists": "do_nothing",
	}
	if cfg != nil {
		body["config"] = cfg
	}

	if _, err := g.client.CreateThread(ctx, body); err != nil {
		return &langgraph.RelayError{
			Message: fmt.Sprintf("Thread '%s' does not exist and could not be created: %s. Please ensure the LangGraph server is running at %s",
				threadID, createFailureDetail(err), g.client.BaseURL()),
		}
	}

	g.logger.Info("Created thread", zap.String("thread_id", threadID))
	return nil
}

// compareConfig logs identity keys the caller sends but the stored thread lacks.
func (g *threadGuarantor) compareConfig(thread *models.Thread, cfg *models.RunConfig) {
	if cfg == nil {
		return
	}

	var missing []string
	for _, key := range []string{models.ConfigOrganizationID, models.ConfigUserID} {
		if cfg.Get(key) != "" && thread.Config.Get(key) == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		g.logger.Debug("Existing thread config lacks identity keys",
			zap.String("thread_id", thread.ThreadID),
			zap.Strings("missing", missing))
	}
}

// createFailureDetail prefers the runtime's own explanation over the transport error.
func createFailureDetail(err error) string {
	if serr, ok := asStatusError(err); ok {
		if serr.Detail != "" {
			return serr.Detail
		}
		if serr.Message != "" {
			return serr.Message
		}
	}
	if langgraph.IsConnectionRefused(err) {
		return "connection refused"
	}
	return logging.SanitizeError(err)
}

// Ensure threadGuarantor implements ThreadGuarantor at compile time.
var _ ThreadGuarantor = (*threadGuarantor)(nil)
