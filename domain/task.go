package domain

import (
	"fmt"
	"strings"
)

// Status values a task may hold. The set is closed; storage and the API
// both reject anything else.
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

// ValidStatus reports whether s is one of the three task statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// UserRef identifies the user a task references. Tasks reference users,
// they never own them.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// User represents an account in the directory. Credentials live with the
// identity provider, not here.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Task is a single board item. ID and both timestamps are server-assigned;
// CreatedBy is immutable after creation.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Tags        []string `json:"tags"`
	CreatedBy   UserRef  `json:"createdBy"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// ValidationError reports a rejected mutation input. It is returned to the
// originating caller and never broadcast.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

const maxTitleLen = 512

// Validate checks the invariants every stored task must satisfy.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if len(t.Title) > maxTitleLen {
		return ValidationError{Field: "title", Reason: "too long"}
	}
	if !ValidStatus(t.Status) {
		return ValidationError{Field: "status", Reason: "must be pending, in-progress or completed"}
	}
	return nil
}

// TaskPatch carries a partial update. Nil fields are left unchanged.
type TaskPatch struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Status      *string   `json:"status"`
	Tags        *[]string `json:"tags"`
}

// Apply merges the patch into t and returns the result. ID, CreatedBy and
// CreatedAt are never touched.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Tags != nil {
		t.Tags = append([]string(nil), (*p.Tags)...)
	}
	return t
}
