package store

import (
	"context"
	"strings"
	"time"

	"github.com/nhle/flow/internal/model"
)

// Repository defines the persistence interface for issues. Every backend
// (SQLite, in-memory) implements the same contract:
//
//   - EnsureSchema is idempotent and safe under concurrent first calls.
//   - GetAll returns issues newest first; an empty store yields an empty slice.
//   - Create assigns the id (when empty) and the next issue number.
//   - Update touches only the fields present in the payload.
//   - Delete of a missing id is a no-op.
type Repository interface {
	EnsureSchema(ctx context.Context) error
	GetAll(ctx context.Context) ([]model.Issue, error)
	Get(ctx context.Context, id string) (*model.Issue, error)
	Create(ctx context.Context, id string, data model.CreateIssueData) error
	Update(ctx context.Context, id string, data model.UpdateIssueData) error
	Delete(ctx context.Context, id string) error
}

// Clock returns the current time. Stores call it once per mutation so
// created_at and updated_at of a fresh issue are identical.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// normalizeCreate applies the model defaults and validates a creation
// payload. It is shared by every backend.
func normalizeCreate(data model.CreateIssueData) (model.CreateIssueData, error) {
	if strings.TrimSpace(data.Title) == "" {
		return data, &ValidationError{Field: "title", Message: "title is required"}
	}
	if data.Status == "" {
		data.Status = model.StatusTodo
	}
	if data.Priority == "" {
		data.Priority = model.PriorityMedium
	}
	if !data.Status.Valid() {
		return data, &ValidationError{Field: "status", Message: "unknown status " + quote(string(data.Status))}
	}
	if !data.Priority.Valid() {
		return data, &ValidationError{Field: "priority", Message: "unknown priority " + quote(string(data.Priority))}
	}
	return data, nil
}

// validateUpdate checks the present fields of a partial update.
func validateUpdate(data model.UpdateIssueData) error {
	if data.Title != nil && strings.TrimSpace(*data.Title) == "" {
		return &ValidationError{Field: "title", Message: "title must not be empty"}
	}
	if data.Status != nil && !data.Status.Valid() {
		return &ValidationError{Field: "status", Message: "unknown status " + quote(string(*data.Status))}
	}
	if data.Priority != nil && !data.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: "unknown priority " + quote(string(*data.Priority))}
	}
	return nil
}

func quote(s string) string {
	return "\"" + s + "\""
}
