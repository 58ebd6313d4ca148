package services

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/knowted/knowted-gateway/pkg/langgraph"
	"github.com/knowted/knowted-gateway/pkg/langsmith"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// mockLangGraphAPI is a configurable in-memory agent runtime.
type mockLangGraphAPI struct {
	mu sync.Mutex

	thread              *models.Thread
	getThreadErr        error
	createThreadResp    json.RawMessage
	createThreadErr     error
	streamBody          string
	streamErr           error
	runResp             json.RawMessage
	runErr              error
	state               json.RawMessage
	stateErr            error
	getAssistantErrs    []error
	createAssistantResp json.RawMessage
	createAssistantErr  error

	calls              []string
	createThreadBodies []any
	runBodies          []any
	stateAssistantID   string
}

func (m *mockLangGraphAPI) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockLangGraphAPI) BaseURL() string { return "http://langgraph.test" }

func (m *mockLangGraphAPI) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	m.record("GetThread")
	if m.getThreadErr != nil {
		return nil, m.getThreadErr
	}
	if m.thread != nil {
		return m.thread, nil
	}
	return &models.Thread{ThreadID: threadID}, nil
}

func (m *mockLangGraphAPI) CreateThread(ctx context.Context, body any) (json.RawMessage, error) {
	m.record("CreateThread")
	m.mu.Lock()
	m.createThreadBodies = append(m.createThreadBodies, body)
	m.mu.Unlock()
	if m.createThreadErr != nil {
		return nil, m.createThreadErr
	}
	if m.createThreadResp != nil {
		return m.createThreadResp, nil
	}
	return json.RawMessage(`{"thread_id":"created"}`), nil
}

func (m *mockLangGraphAPI) StreamRun(ctx context.Context, threadID string, body any) (io.ReadCloser, error) {
	m.record("StreamRun")
	m.mu.Lock()
	m.runBodies = append(m.runBodies, body)
	m.mu.Unlock()
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return io.NopCloser(strings.NewReader(m.streamBody)), nil
}

func (m *mockLangGraphAPI) CreateRun(ctx context.Context, threadID string, body any) (json.RawMessage, error) {
	m.record("CreateRun")
	m.mu.Lock()
	m.runBodies = append(m.runBodies, body)
	m.mu.Unlock()
	if m.runErr != nil {
		return nil, m.runErr
	}
	return m.runResp, nil
}

func (m *mockLangGraphAPI) GetThreadState(ctx context.Context, threadID, assistantID string) (json.RawMessage, error) {
	m.record("GetThreadState")
	m.mu.Lock()
	m.stateAssistantID = assistantID
	m.mu.Unlock()
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	return m.state, nil
}

func (m *mockLangGraphAPI) GetAssistant(ctx context.Context, assistantID string) (json.RawMessage, error) {
	m.record("GetAssistant")
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.getAssistantErrs) > 0 {
		err := m.getAssistantErrs[0]
		m.getAssistantErrs = m.getAssistantErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"assistant_id":"` + assistantID + `"}`), nil
}

func (m *mockLangGraphAPI) CreateAssistant(ctx context.Context, graphID string) (json.RawMessage, error) {
	m.record("CreateAssistant")
	if m.createAssistantErr != nil {
		return nil, m.createAssistantErr
	}
	return m.createAssistantResp, nil
}

func (m *mockLangGraphAPI) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

var _ langgraph.API = (*mockLangGraphAPI)(nil)

// mockThreadGuarantor records EnsureThreadExists calls.
type mockThreadGuarantor struct {
	err         error
	calls       int
	assistantID string
	threadID    string
	cfg         *models.RunConfig
}

func (m *mockThreadGuarantor) EnsureThreadExists(ctx context.Context, assistantID, threadID string, cfg *models.RunConfig) error {
	m.calls++
	m.assistantID = assistantID
	m.threadID = threadID
	m.cfg = cfg
	return m.err
}

// mockDirectoryService answers directory questions from fixed values.
type mockDirectoryService struct {
	membership    *models.Membership
	membershipErr error
	orgName       LookupResult
	userName      LookupResult

	profile      *models.WebhookUserProfile
	teams        []models.WebhookTeam
	organization *models.WebhookOrganization

	membershipCalls int
	orgNameCalls    int
	userNameCalls   int
}

func (m *mockDirectoryService) GetMembership(ctx context.Context, userID, organizationID string) (*models.Membership, error) {
	m.membershipCalls++
	return m.membership, m.membershipErr
}

func (m *mockDirectoryService) OrganizationName(ctx context.Context, organizationID string) LookupResult {
	m.orgNameCalls++
	return m.orgName
}

func (m *mockDirectoryService) UserDisplayName(ctx context.Context, userID, organizationID string) LookupResult {
	m.userNameCalls++
	return m.userName
}

func (m *mockDirectoryService) WebhookContext(ctx context.Context, userID, organizationID string) (*models.WebhookUserProfile, []models.WebhookTeam, *models.WebhookOrganization) {
	return m.profile, m.teams, m.organization
}

// mockDirectoryRepository serves directory rows from memory.
type mockDirectoryRepository struct {
	membership    *models.Membership
	membershipErr error
	org           *models.Organization
	orgErr        error
	profile       *models.Profile
	profileErr    error
	teams         []*models.Team
	teamsErr      error
}

func (m *mockDirectoryRepository) GetMembership(ctx context.Context, userID, organizationID uuid.UUID) (*models.Membership, error) {
	return m.membership, m.membershipErr
}

func (m *mockDirectoryRepository) GetOrganization(ctx context.Context, organizationID uuid.UUID) (*models.Organization, error) {
	return m.org, m.orgErr
}

func (m *mockDirectoryRepository) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	return m.profile, m.profileErr
}

func (m *mockDirectoryRepository) ListUserTeams(ctx context.Context, userID, organizationID uuid.UUID) ([]*models.Team, error) {
	return m.teams, m.teamsErr
}

// fakeTenantScoper hands out contexts without touching a database.
type fakeTenantScoper struct {
	err      error
	acquired int
	released int
	orgIDs   []uuid.UUID
}

func (f *fakeTenantScoper) WithTenantScope(ctx context.Context, organizationID uuid.UUID) (context.Context, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.acquired++
	f.orgIDs = append(f.orgIDs, organizationID)
	return ctx, func() { f.released++ }, nil
}

// mockConversationRepository keeps appended messages in memory.
type mockConversationRepository struct {
	mu        sync.Mutex
	appendErr error
	// failRoles makes AppendMessage fail only for messages with these roles.
	failRoles map[string]bool
	messages  []*models.ConversationMessage
	profiles  []uuid.UUID
}

func (m *mockConversationRepository) CreateSession(ctx context.Context, session *models.ConversationSession) error {
	return nil
}

func (m *mockConversationRepository) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.ConversationSession, error) {
	return &models.ConversationSession{ID: sessionID}, nil
}

func (m *mockConversationRepository) AppendMessage(ctx context.Context, profileID uuid.UUID, msg *models.ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if role, _ := msg.Message["role"].(string); m.failRoles[role] {
		return context.DeadlineExceeded
	}
	m.messages = append(m.messages, msg)
	m.profiles = append(m.profiles, profileID)
	return nil
}

func (m *mockConversationRepository) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*models.ConversationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages, nil
}

func (m *mockConversationRepository) contents(role string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages {
		if r, _ := msg.Message["role"].(string); r == role {
			out = append(out, msg.Message["content"].(string))
		}
	}
	return out
}

// mockFeedbackCorrelator returns fixed trace ids.
type mockFeedbackCorrelator struct {
	ids models.TraceIDs
	err error
}

func (m *mockFeedbackCorrelator) ExtractTraceIDs(ctx context.Context, threadID, messageID string) (models.TraceIDs, error) {
	return m.ids, m.err
}

// mockFeedbackCreator captures submitted feedback.
type mockFeedbackCreator struct {
	id       string
	captured *langsmith.FeedbackRequest
}

func (m *mockFeedbackCreator) CreateFeedback(ctx context.Context, req langsmith.FeedbackRequest) string {
	m.captured = &req
	return m.id
}
