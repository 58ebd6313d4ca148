package models

import (
	"fmt"
)

// FeedbackType is the end-user rating of an assistant message.
type FeedbackType string

const (
	FeedbackThumbsUp   FeedbackType = "thumbs_up"
	FeedbackThumbsDown FeedbackType = "thumbs_down"
)

// Score converts the rating to the trace-analytics score (1 or 0).
func (t FeedbackType) Score() int {
	if t == FeedbackThumbsUp {
		return 1
	}
	return 0
}

// FeedbackRecord is an end-user rating of one message in one thread.
type FeedbackRecord struct {
	MessageID  string       `json:"message_id"`
	ThreadID   string       `json:"thread_id"`
	Type       FeedbackType `json:"type"`
	IssueType  string       `json:"issue_type,omitempty"`
	Comment    string       `json:"comment,omitempty"`
	Correction string       `json:"correction,omitempty"`
}

// Validate checks the required fields.
func (r *FeedbackRecord) Validate() error {
	if r.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if r.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if r.Type != FeedbackThumbsUp && r.Type != FeedbackThumbsDown {
		return fmt.Errorf("type must be %q or %q", FeedbackThumbsUp, FeedbackThumbsDown)
	}
	return nil
}

// FeedbackResponse reports the outcome of forwarding feedback.
// LangSmithFeedbackID is null in JSON when nothing was recorded.
type FeedbackResponse struct {
	LangSmithFeedbackID *string `json:"langsmith_feedback_id"`
	Success             bool    `json:"success"`
	Message             string  `json:"message"`
}

// TraceIDs identifies the trace a feedback record attaches to.
type TraceIDs struct {
	RunID   string
	TraceID string
}

// IsEmpty reports whether neither id is known.
func (t TraceIDs) IsEmpty() bool {
	return t.RunID == "" && t.TraceID == ""
}
