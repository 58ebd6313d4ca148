package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/knowted/knowted-gateway/pkg/auth"
	"github.com/knowted/knowted-gateway/pkg/models"
	"github.com/knowted/knowted-gateway/pkg/services"
)

// mockProxy is a configurable LangGraphProxyService.
type mockProxy struct {
	mu sync.Mutex

	stream      string
	streamBody  io.ReadCloser
	streamErr   error
	run         json.RawMessage
	runErr      error
	state       json.RawMessage
	stateErr    error
	thread      *models.Thread
	threadErr   error
	assistantID string

	streamCalls   []proxyCall
	runCalls      []proxyCall
	stateCalls    []proxyCall
	threadBodies  []*models.ThreadCreateRequest
	closedStreams int
}

type proxyCall struct {
	AssistantID string
	ThreadID    string
	Request     *models.RunRequest
}

func (m *mockProxy) DefaultAssistantID() string { return "knowted_agent" }

func (m *mockProxy) StreamRun(ctx context.Context, assistantID, threadID string, req *models.RunRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamCalls = append(m.streamCalls, proxyCall{AssistantID: assistantID, ThreadID: threadID, Request: req})
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	if m.streamBody != nil {
		return m.streamBody, nil
	}
	return &trackingBody{Reader: strings.NewReader(m.stream), onClose: m.streamClosed}, nil
}

func (m *mockProxy) streamClosed() {
	m.closedStreams++
}

func (m *mockProxy) CreateRun(ctx context.Context, assistantID, threadID string, req *models.RunRequest) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCalls = append(m.runCalls, proxyCall{AssistantID: assistantID, ThreadID: threadID, Request: req})
	return m.run, m.runErr
}

func (m *mockProxy) GetThreadState(ctx context.Context, assistantID, threadID string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCalls = append(m.stateCalls, proxyCall{AssistantID: assistantID, ThreadID: threadID})
	return m.state, m.stateErr
}

func (m *mockProxy) CreateThread(ctx context.Context, req *models.ThreadCreateRequest) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threadBodies = append(m.threadBodies, req)
	return m.thread, m.threadErr
}

func (m *mockProxy) EnsureAssistantExists(ctx context.Context, assistantID string) (string, error) {
	return m.assistantID, nil
}

// trackingBody records Close. The callback runs with the mock's lock free,
// after the handler has finished relaying.
type trackingBody struct {
	io.Reader
	onClose func()
	closed  bool
}

func (b *trackingBody) Close() error {
	if !b.closed {
		b.closed = true
		b.onClose()
	}
	return nil
}

// failingBody yields some bytes and then a read error.
type failingBody struct {
	data string
	err  error
	read bool
}

func (b *failingBody) Read(p []byte) (int, error) {
	if !b.read {
		b.read = true
		return copy(p, b.data), nil
	}
	return 0, b.err
}

func (b *failingBody) Close() error { return nil }

// mockEnricher records its inputs and returns a configurable result.
// By default it copies the request, writes the caller's ids into the config
// and fills in the assistant.
type mockEnricher struct {
	err error

	callers []services.Caller
	routes  []services.RouteParams
	modes   []services.EnrichMode
}

func (m *mockEnricher) Enrich(ctx context.Context, caller services.Caller, route services.RouteParams, req *models.RunRequest, mode services.EnrichMode) (*models.RunRequest, error) {
	m.callers = append(m.callers, caller)
	m.routes = append(m.routes, route)
	m.modes = append(m.modes, mode)
	if m.err != nil {
		return nil, m.err
	}

	out := *req
	out.Config = req.Config.Clone()
	cfg := out.EnsureConfig()
	cfg.Set(models.ConfigOrganizationID, caller.OrganizationID)
	cfg.Set(models.ConfigUserID, caller.UserID)
	if out.AssistantID == "" {
		out.AssistantID = route.AssistantID
	}
	if out.AssistantID == "" {
		out.AssistantID = "knowted_agent"
	}
	return &out, nil
}

// mockFeedbackService returns a fixed response and records its inputs.
type mockFeedbackService struct {
	response models.FeedbackResponse

	record *models.FeedbackRecord
	userID string
	orgID  string
	calls  int
}

func (m *mockFeedbackService) Create(ctx context.Context, rec *models.FeedbackRecord, userID, organizationID string) models.FeedbackResponse {
	m.calls++
	m.record = rec
	m.userID = userID
	m.orgID = organizationID
	return m.response
}

// mockWebhookChatService returns a fixed result and records its inputs.
type mockWebhookChatService struct {
	result *models.WebhookChatResult
	err    error

	request *models.WebhookChatRequest
	userID  string
	orgID   string
}

func (m *mockWebhookChatService) Send(ctx context.Context, userID, organizationID string, req *models.WebhookChatRequest) (*models.WebhookChatResult, error) {
	m.request = req
	m.userID = userID
	m.orgID = organizationID
	return m.result, m.err
}

// mockAuthService accepts any request carrying a bearer token.
type mockAuthService struct {
	claims *auth.Claims
}

func (m *mockAuthService) ValidateRequest(r *http.Request) (*auth.Claims, string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, "", errors.New("missing token")
	}
	return m.claims, token, nil
}

func testClaims(userID, organizationID string) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		OrganizationID:   organizationID,
	}
}

// withClaims returns r carrying the given identity, as RequireAuth would.
func withClaims(r *http.Request, userID, organizationID string) *http.Request {
	return r.WithContext(auth.WithClaims(r.Context(), testClaims(userID, organizationID), "test-token"))
}
