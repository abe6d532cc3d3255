package model

import "time"

// TrainingExport is the top-level JSON structure for finished session export.
type TrainingExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []SessionExport `json:"sessions"`
}

// SessionExport holds one finished session for export.
type SessionExport struct {
	SessionID        int64             `json:"session_id"`
	StudentEmail     string            `json:"student_email"`
	StudentName      string            `json:"student_name"`
	SessionNumber    int               `json:"session_number"`
	CaseID           int64             `json:"case_id"`
	CaseTitle        string            `json:"case_title"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	CostEUR          float64           `json:"cost_eur"`
	Conversation     []ConversationMsg `json:"conversation"`
	Evaluation       *Evaluation       `json:"evaluation,omitempty"`
}

// ConversationMsg is a single message in an exported conversation.
type ConversationMsg struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
