package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nhle/flow/internal/model"
)

// MemoryStore implements Repository in process memory. It enforces the
// same validation, numbering and ordering rules as SQLiteStore and is
// used for `server.driver: memory` and in tests.
type MemoryStore struct {
	opts options

	mu         sync.RWMutex
	issues     map[string]model.Issue
	deleted    map[string]struct{}
	lastNumber int64
}

// NewMemoryStore returns an empty in-memory repository.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    buildOptions(opts),
		issues:  make(map[string]model.Issue),
		deleted: make(map[string]struct{}),
	}
}

// EnsureSchema is a no-op for the in-memory store.
func (m *MemoryStore) EnsureSchema(ctx context.Context) error {
	return nil
}

// GetAll returns every issue, newest first.
func (m *MemoryStore) GetAll(ctx context.Context) ([]model.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	issues := make([]model.Issue, 0, len(m.issues))
	for _, issue := range m.issues {
		issues = append(issues, issue.Clone())
	}
	sort.Slice(issues, func(i, j int) bool {
		if !issues[i].CreatedAt.Equal(issues[j].CreatedAt) {
			return issues[i].CreatedAt.After(issues[j].CreatedAt)
		}
		return issues[i].IssueNumber > issues[j].IssueNumber
	})
	return issues, nil
}

// Get retrieves a single issue by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (*model.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	issue, ok := m.issues[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	clone := issue.Clone()
	return &clone, nil
}

// Create inserts a new issue with the next issue number.
func (m *MemoryStore) Create(ctx context.Context, id string, data model.CreateIssueData) error {
	data, err := normalizeCreate(data)
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.issues[id]; exists {
		return &ConflictError{ID: id}
	}
	if _, gone := m.deleted[id]; gone {
		return &ConflictError{ID: id, Deleted: true}
	}

	m.lastNumber++
	now := m.opts.now()
	m.issues[id] = model.Issue{
		ID:          id,
		IssueNumber: m.lastNumber,
		Title:       data.Title,
		Description: data.Description,
		Status:      data.Status,
		Priority:    data.Priority,
		Assignee:    data.Assignee,
		CreatedAt:   now,
		UpdatedAt:   now,
	}.Clone()

	m.opts.log.Info("issue created", "id", id, "issue_number", m.lastNumber)
	return nil
}

// Update applies only the fields present in data.
func (m *MemoryStore) Update(ctx context.Context, id string, data model.UpdateIssueData) error {
	if err := validateUpdate(data); err != nil {
		return err
	}
	if data.IsEmpty() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	data.Apply(&issue)
	issue.UpdatedAt = m.opts.now()
	m.issues[id] = issue

	m.opts.log.Info("issue updated", "id", id, "fields", data.Fields())
	return nil
}

// Delete removes an issue. Deleting a missing id succeeds.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.issues[id]
	if existed {
		delete(m.issues, id)
		m.deleted[id] = struct{}{}
	}

	m.opts.log.Info("issue deleted", "id", id, "existed", existed)
	return nil
}
