package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knowted/knowted-gateway/pkg/apperrors"
	"github.com/knowted/knowted-gateway/pkg/database"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// ConversationRepository persists webhook chat sessions and their turns.
type ConversationRepository interface {
	CreateSession(ctx context.Context, session *models.ConversationSession) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (*models.ConversationSession, error)
	// AppendMessage stores a turn. The session must belong to profileID in the
	// scoped organization, otherwise apperrors.ErrForbidden is returned.
	AppendMessage(ctx context.Context, profileID uuid.UUID, msg *models.ConversationMessage) error
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*models.ConversationMessage, error)
}

type conversationRepository struct{}

// NewConversationRepository creates a new conversation repository.
func NewConversationRepository() ConversationRepository {
	return &conversationRepository{}
}

func (r *conversationRepository) CreateSession(ctx context.Context, session *models.ConversationSession) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}

	query := `
		INSERT INTO ai_conversation_sessions (id, profile_id, organization_id, title)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING created_at`

	err := scope.Conn.QueryRow(ctx, query,
		session.ID,
		session.ProfileID,
		session.OrganizationID,
		session.Title,
	).Scan(&session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

func (r *conversationRepository) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.ConversationSession, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, profile_id, organization_id, COALESCE(title, ''), created_at
		FROM ai_conversation_sessions
		WHERE id = $1`

	var s models.ConversationSession
	err := scope.Conn.QueryRow(ctx, query, sessionID).Scan(
		&s.ID, &s.ProfileID, &s.OrganizationID, &s.Title, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &s, nil
}

func (r *conversationRepository) AppendMessage(ctx context.Context, profileID uuid.UUID, msg *models.ConversationMessage) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	// The ownership check and insert are one statement so a session cannot
	// change hands between them.
	query := `
		INSERT INTO ai_conversation_histories (session_id, message)
		SELECT s.id, $3::jsonb
		FROM ai_conversation_sessions s
		WHERE s.id = $1 AND s.profile_id = $2 AND s.organization_id = $4
		RETURNING id, created_at`

	err := scope.Conn.QueryRow(ctx, query,
		msg.SessionID,
		profileID,
		msg.Message,
		scope.OrganizationID,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", msg.SessionID, apperrors.ErrForbidden)
		}
		return fmt.Errorf("failed to append message: %w", err)
	}

	return nil
}

func (r *conversationRepository) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*models.ConversationMessage, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, session_id, message, created_at
		FROM ai_conversation_histories
		WHERE session_id = $1
		ORDER BY id`

	rows, err := scope.Conn.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.ConversationMessage, 0)
	for rows.Next() {
		var m models.ConversationMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Message, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// Ensure conversationRepository implements ConversationRepository at compile time.
var _ ConversationRepository = (*conversationRepository)(nil)
