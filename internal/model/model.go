package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level (distinct from Role which is chat message roles).
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// IsValid reports whether r is a known role.
func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleStudent, UserRoleTeacher, UserRoleAdmin:
		return true
	}
	return false
}

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"-"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Role represents a chat message role.
type Role string

const (
	RoleStudent Role = "student"
	RolePatient Role = "patient"
)

// SessionStatus represents the status of a conversation session.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusFinished SessionStatus = "finished"
)

// Session binds one student to one assigned case.
type Session struct {
	ID               int64         `json:"id"`
	UserID           int64         `json:"user_id"`
	CaseID           int64         `json:"case_id"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	CostEUR          float64       `json:"cost_eur"`
}

// Message is one turn of a session's conversation.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage holds token counters reported by the language model for one turn.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostEUR          float64
}

// Evaluation is the scored self-assessment submitted at the end of a session.
type Evaluation struct {
	SessionID        int64     `json:"session_id"`
	TipoNoAdherencia string    `json:"tipo_no_adherencia"`
	Barrera          string    `json:"barrera"`
	Intervenciones   []string  `json:"intervenciones"`
	IsTipoOK         bool      `json:"is_tipo_ok"`
	IsBarreraOK      bool      `json:"is_barrera_ok"`
	IsIntervencionOK bool      `json:"is_intervencion_ok"`
	Score            int       `json:"score"`
	Feedback         string    `json:"feedback"`
	CreatedAt        time.Time `json:"created_at"`
}

// FinishedSessionRow is one line of the teacher's finished sessions report.
type FinishedSessionRow struct {
	SessionID        int64      `json:"session_id"`
	StudentName      string     `json:"student_name"`
	StudentEmail     string     `json:"student_email"`
	CaseTitle        string     `json:"case_title"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	CostEUR          float64    `json:"cost_eur"`
	Score            *int       `json:"score,omitempty"`
	Feedback         *string    `json:"feedback,omitempty"`
}

// SessionView combines a session with its case, transcript and evaluation for review.
type SessionView struct {
	Session    Session     `json:"session"`
	Student    *User       `json:"student,omitempty"`
	CaseTitle  string      `json:"case_title"`
	Messages   []Message   `json:"messages"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	SecureCookies bool   // Set Secure flag on cookies (disable for local dev)
	Lang          string // Default UI language for messages and feedback
}
