package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/apperrors"
	"github.com/knowted/knowted-gateway/pkg/auth"
	"github.com/knowted/knowted-gateway/pkg/langgraph"
	"github.com/knowted/knowted-gateway/pkg/logging"
	"github.com/knowted/knowted-gateway/pkg/models"
	"github.com/knowted/knowted-gateway/pkg/services"
)

const (
	langGraphBase = "/api/v1/langgraph"

	// maxRunBodySize bounds inbound run and thread bodies.
	maxRunBodySize = 4 << 20
)

// LangGraphProxyHandler exposes the agent runtime through the gateway.
type LangGraphProxyHandler struct {
	proxy    services.LangGraphProxyService
	enricher services.ContextEnricher
	logger   *zap.Logger
}

// NewLangGraphProxyHandler creates a new relay handler.
func NewLangGraphProxyHandler(
	proxy services.LangGraphProxyService,
	enricher services.ContextEnricher,
	logger *zap.Logger,
) *LangGraphProxyHandler {
	return &LangGraphProxyHandler{
		proxy:    proxy,
		enricher: enricher,
		logger:   logger,
	}
}

// RegisterRoutes registers the relay's routes on the given mux.
func (h *LangGraphProxyHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	assistantBase := langGraphBase + "/assistants/{assistantId}/threads/{threadId}"
	mux.HandleFunc("POST "+assistantBase+"/runs/stream", authMiddleware.RequireAuth(h.StreamAssistantRun))
	mux.HandleFunc("POST "+assistantBase+"/runs", authMiddleware.RequireAuth(h.CreateAssistantRun))
	mux.HandleFunc("GET "+assistantBase+"/state", authMiddleware.RequireAuth(h.GetAssistantThreadState))

	// SDK-compatible routes
	mux.HandleFunc("POST "+langGraphBase+"/threads", authMiddleware.RequireAuth(h.CreateThread))
	mux.HandleFunc("POST "+langGraphBase+"/threads/new/runs/stream", authMiddleware.RequireAuth(h.StreamNewThreadRun))
	mux.HandleFunc("POST "+langGraphBase+"/threads/{threadId}/runs/stream", authMiddleware.RequireAuth(h.StreamThreadRun))
	mux.HandleFunc("POST "+langGraphBase+"/threads/{threadId}/runs", authMiddleware.RequireAuth(h.CreateThreadRun))
	mux.HandleFunc("GET "+langGraphBase+"/threads/{threadId}/state", authMiddleware.RequireAuth(h.GetThreadState))
}

// StreamAssistantRun handles POST /api/v1/langgraph/assistants/{assistantId}/threads/{threadId}/runs/stream
func (h *LangGraphProxyHandler) StreamAssistantRun(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, services.RouteParams{
		AssistantID: r.PathValue("assistantId"),
		ThreadID:    r.PathValue("threadId"),
	}, services.EnrichStandard)
}

// StreamThreadRun handles POST /api/v1/langgraph/threads/{threadId}/runs/stream.
// This is the route the LangGraph SDK uses; the run additionally receives the
// internal service secret and display names.
func (h *LangGraphProxyHandler) StreamThreadRun(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, services.RouteParams{ThreadID: r.PathValue("threadId")}, services.EnrichSDK)
}

// StreamNewThreadRun handles POST /api/v1/langgraph/threads/new/runs/stream.
// A thread is created first and its id is sent as a thread_id event before
// the run's own events.
func (h *LangGraphProxyHandler) StreamNewThreadRun(w http.ResponseWriter, r *http.Request) {
	req, decodeErr := decodeRunBody(w, r)
	flusher, ok := beginSSE(w)
	if !ok {
		return
	}
	if decodeErr != nil {
		h.streamError(w, flusher, "", decodeErr)
		return
	}

	caller := callerFrom(r)
	threadReq := &models.ThreadCreateRequest{}
	cfg := threadReq.EnsureConfig()
	cfg.Set(models.ConfigOrganizationID, caller.OrganizationID)
	cfg.Set(models.ConfigUserID, caller.UserID)

	thread, err := h.proxy.CreateThread(r.Context(), threadReq)
	if err != nil {
		h.streamError(w, flusher, "", err)
		return
	}

	if err := writeSSEEvent(w, flusher, "thread_id", map[string]string{"thread_id": thread.ThreadID}); err != nil {
		h.logger.Debug("Client went away before the run started", zap.String("thread_id", thread.ThreadID))
		return
	}

	h.relayRun(w, r, flusher, caller, services.RouteParams{ThreadID: thread.ThreadID}, req, services.EnrichStandard)
}

func (h *LangGraphProxyHandler) stream(w http.ResponseWriter, r *http.Request, route services.RouteParams, mode services.EnrichMode) {
	// The body is read before the stream is committed; HTTP/1.x servers may
	// discard unread request bodies once headers are flushed.
	req, decodeErr := decodeRunBody(w, r)
	flusher, ok := beginSSE(w)
	if !ok {
		return
	}
	if decodeErr != nil {
		h.streamError(w, flusher, route.ThreadID, decodeErr)
		return
	}

	h.relayRun(w, r, flusher, callerFrom(r), route, req, mode)
}

// relayRun enriches the run, opens the upstream stream and copies it to the
// caller. The response is already committed as an event stream.
func (h *LangGraphProxyHandler) relayRun(
	w http.ResponseWriter,
	r *http.Request,
	flusher http.Flusher,
	caller services.Caller,
	route services.RouteParams,
	req *models.RunRequest,
	mode services.EnrichMode,
) {
	ctx := r.Context()

	enriched, err := h.enricher.Enrich(ctx, caller, route, req, mode)
	if err != nil {
		h.streamError(w, flusher, route.ThreadID, err)
		return
	}

	upstream, err := h.proxy.StreamRun(ctx, enriched.AssistantID, route.ThreadID, enriched)
	if err != nil {
		h.streamError(w, flusher, route.ThreadID, err)
		return
	}
	defer upstream.Close()

	written, err := relayStream(w, flusher, upstream)
	switch {
	case err == nil:
		h.logger.Debug("Run stream finished",
			zap.String("thread_id", route.ThreadID),
			zap.Int64("bytes", written))
	case errors.Is(err, errClientWrite) || ctx.Err() != nil:
		h.logger.Debug("Client disconnected during run stream",
			zap.String("thread_id", route.ThreadID),
			zap.Int64("bytes", written))
	default:
		h.streamError(w, flusher, route.ThreadID, langgraph.NewRelayError(err, langgraph.OpStreamRun, enriched.AssistantID, route.ThreadID))
	}
}

// CreateAssistantRun handles POST /api/v1/langgraph/assistants/{assistantId}/threads/{threadId}/runs
func (h *LangGraphProxyHandler) CreateAssistantRun(w http.ResponseWriter, r *http.Request) {
	h.createRun(w, r, services.RouteParams{
		AssistantID: r.PathValue("assistantId"),
		ThreadID:    r.PathValue("threadId"),
	})
}

// CreateThreadRun handles POST /api/v1/langgraph/threads/{threadId}/runs
func (h *LangGraphProxyHandler) CreateThreadRun(w http.ResponseWriter, r *http.Request) {
	h.createRun(w, r, services.RouteParams{ThreadID: r.PathValue("threadId")})
}

func (h *LangGraphProxyHandler) createRun(w http.ResponseWriter, r *http.Request, route services.RouteParams) {
	req, err := decodeRunBody(w, r)
	if err != nil {
		h.jsonError(w, err)
		return
	}

	enriched, err := h.enricher.Enrich(r.Context(), callerFrom(r), route, req, services.EnrichStandard)
	if err != nil {
		h.jsonError(w, err)
		return
	}

	run, err := h.proxy.CreateRun(r.Context(), enriched.AssistantID, route.ThreadID, enriched)
	if err != nil {
		h.jsonError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, run); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetAssistantThreadState handles GET /api/v1/langgraph/assistants/{assistantId}/threads/{threadId}/state
func (h *LangGraphProxyHandler) GetAssistantThreadState(w http.ResponseWriter, r *http.Request) {
	h.threadState(w, r, r.PathValue("assistantId"), r.PathValue("threadId"))
}

// GetThreadState handles GET /api/v1/langgraph/threads/{threadId}/state.
// The assistant may be given with the assistant_id query parameter.
func (h *LangGraphProxyHandler) GetThreadState(w http.ResponseWriter, r *http.Request) {
	h.threadState(w, r, r.URL.Query().Get("assistant_id"), r.PathValue("threadId"))
}

func (h *LangGraphProxyHandler) threadState(w http.ResponseWriter, r *http.Request, assistantID, threadID string) {
	state, err := h.proxy.GetThreadState(r.Context(), assistantID, threadID)
	if err != nil {
		h.jsonError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, state); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// CreateThread handles POST /api/v1/langgraph/threads.
// The caller's organization and user are written into the thread config.
func (h *LangGraphProxyHandler) CreateThread(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	req, err := models.DecodeThreadCreateRequest(body)
	if err != nil {
		h.jsonError(w, &badRequestError{err: err})
		return
	}

	caller := callerFrom(r)
	cfg := req.EnsureConfig()
	if caller.OrganizationID != "" {
		cfg.Set(models.ConfigOrganizationID, caller.OrganizationID)
	}
	cfg.Set(models.ConfigUserID, caller.UserID)

	thread, err := h.proxy.CreateThread(r.Context(), req)
	if err != nil {
		h.jsonError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, thread.Raw); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// streamError ends an event stream with an error event.
func (h *LangGraphProxyHandler) streamError(w io.Writer, flusher http.Flusher, threadID string, err error) {
	_, message := errorStatus(err)
	h.logger.Warn("Run stream failed",
		zap.String("thread_id", threadID),
		zap.String("error", message))
	if werr := writeSSEError(w, flusher, message); werr != nil {
		h.logger.Debug("Failed to write error event", zap.Error(werr))
	}
}

func (h *LangGraphProxyHandler) jsonError(w http.ResponseWriter, err error) {
	status, message := errorStatus(err)
	if err := ErrorResponse(w, status, errorCode(status), message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

// errBodyTooLarge is reported for bodies over maxRunBodySize.
var errBodyTooLarge = errors.New("request body too large")

// badRequestError marks a malformed request body.
type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

// readBody reads the request body up to maxRunBodySize.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRunBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &badRequestError{err: errBodyTooLarge}
		}
		return nil, &badRequestError{err: fmt.Errorf("failed to read request body: %w", err)}
	}
	return body, nil
}

func decodeRunBody(w http.ResponseWriter, r *http.Request) (*models.RunRequest, error) {
	body, err := readBody(w, r)
	if err != nil {
		return nil, err
	}
	req, err := models.DecodeRunRequest(body)
	if err != nil {
		return nil, &badRequestError{err: err}
	}
	return req, nil
}

// errorStatus maps an error from the relay path to an HTTP status and a
// message that is safe to return to the caller.
func errorStatus(err error) (int, string) {
	var relayErr *langgraph.RelayError
	var enrichErr *services.EnrichError
	var badReq *badRequestError

	switch {
	case errors.As(err, &relayErr):
		return relayErr.HTTPStatus(), relayErr.Message
	case errors.As(err, &enrichErr):
		if errors.Is(enrichErr, apperrors.ErrMisconfigured) {
			return http.StatusInternalServerError, enrichErr.Message
		}
		return http.StatusForbidden, enrichErr.Message
	case errors.As(err, &badReq):
		return http.StatusBadRequest, badReq.Error()
	case errors.Is(err, context.Canceled):
		return http.StatusInternalServerError, "Request was canceled"
	default:
		return http.StatusInternalServerError, logging.SanitizeError(err)
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusGatewayTimeout:
		return "gateway_timeout"
	default:
		if status >= 500 {
			return "langgraph_error"
		}
		return "request_failed"
	}
}

// callerFrom builds the run caller from the token claims.
func callerFrom(r *http.Request) services.Caller {
	caller := services.Caller{ClientIP: clientIP(r)}
	if claims, ok := auth.GetClaims(r.Context()); ok && claims != nil {
		caller.UserID = claims.Subject
		caller.OrganizationID = claims.Organization()
	}
	return caller
}

// clientIP returns the first X-Forwarded-For entry, else the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
