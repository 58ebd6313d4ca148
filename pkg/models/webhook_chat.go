package models

// WebhookChatRequest is the body of POST /api/v1/ai/chat.
type WebhookChatRequest struct {
	Message          string `json:"message"`
	SessionID        string `json:"sessionId"`
	SystemPrompt     string `json:"systemPrompt,omitempty"`
	SelectedMeetings []any  `json:"selectedMeetings,omitempty"`
}

// WebhookPayload is what the gateway posts to the chat webhook.
type WebhookPayload struct {
	Message          string               `json:"message"`
	SessionID        string               `json:"sessionId"`
	ConversationID   string               `json:"conversationId"`
	OrganizationID   string               `json:"organizationId"`
	UserID           string               `json:"userId"`
	SystemPrompt     string               `json:"systemPrompt,omitempty"`
	SelectedMeetings []any                `json:"selectedMeetings,omitempty"`
	UserProfile      *WebhookUserProfile  `json:"userProfile,omitempty"`
	UserTeams        []WebhookTeam        `json:"userTeams,omitempty"`
	Organization     *WebhookOrganization `json:"organization,omitempty"`
}

// WebhookUserProfile is the caller's profile as sent to the webhook.
type WebhookUserProfile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// WebhookTeam is a team as sent to the webhook.
type WebhookTeam struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// WebhookOrganization is the organization as sent to the webhook.
type WebhookOrganization struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// WebhookOutput is one reply fragment.
type WebhookOutput struct {
	Output string `json:"output"`
}

// WebhookChatResult is returned to the chat caller.
type WebhookChatResult struct {
	Responses  []WebhookOutput `json:"responses"`
	IsComplete bool            `json:"isComplete"`
	SessionID  string          `json:"sessionId"`
	Content    string          `json:"content"`
}
