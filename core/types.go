package core

import "time"

// Message roles as the backend accepts them on /v1/ingest.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Fact categories assigned by the extraction pipeline.
const (
	CategoryBiographical   = "biographical"
	CategoryWorkContext    = "work_context"
	CategoryRelationship   = "relationship"
	CategoryUserPreference = "user_preference"
	CategoryLearning       = "learning"
)

// Credentials is a user id plus the API key issued for it.
// The backend returns the plaintext key exactly once, at registration
// or rotation time; afterwards only the hash exists server-side.
type Credentials struct {
	UserID string `json:"id"`
	APIKey string `json:"api_key"`
}

// Session is a conversation scope under one user.
// Messages ingested with the same session id are grouped for
// extraction context.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat log entry within a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Fact is a memory fact extracted from conversation, mirrored
// read-only on the client. The backend owns its lifecycle
// (supersession, decay, essential promotion).
type Fact struct {
	ID              string    `json:"id"`
	Category        string    `json:"category"`
	Content         string    `json:"content"`
	Confidence      float64   `json:"confidence"`
	TemporalState   string    `json:"temporal_state,omitempty"`
	SlotHint        string    `json:"slot_hint,omitempty"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	IsEssential     bool      `json:"is_essential"`
	CreatedAt       time.Time `json:"created_at"`
}

// FactSource is the original chat message a fact was extracted from.
// Used for extraction transparency in fact management UIs.
type FactSource struct {
	FactID          string    `json:"fact_id"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Role            string    `json:"role,omitempty"`
	Content         string    `json:"content,omitempty"`
	ContentPreview  string    `json:"content_preview,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
}

// IngestReceipt is the backend's acknowledgement of a submitted
// message. JobID is set only when the message scheduled a background
// extraction job; completion of that job is never observed directly.
type IngestReceipt struct {
	MessageID string `json:"chat_log_id"`
	JobID     string `json:"job_id,omitempty"`
}

// ConsolidationReceipt acknowledges a queued consolidation job
// (duplicate merging, essential promotion, profile summary).
type ConsolidationReceipt struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// RecallOptions are the semantic search filters accepted by /v1/recall.
// The zero value asks for the default current view.
type RecallOptions struct {
	// Limit caps the number of facts returned. Zero means backend default.
	Limit int

	// Categories restricts results to the given fact categories.
	Categories []string

	// IncludeHistorical includes superseded facts ("where have I lived?").
	IncludeHistorical bool

	// CurrentViewOnly excludes facts the backend has marked superseded.
	CurrentViewOnly bool

	// MaxAgeDays restricts results to facts created within N days.
	// Zero means no age filter.
	MaxAgeDays int
}

// RecallResult is an ephemeral search result. Query carries the literal
// string that produced Facts so a UI can tell "no results for X" apart
// from "no query yet".
type RecallResult struct {
	Query string
	Facts []Fact
}
