package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// Status is the board column an issue sits in.
type Status string

// Issue status constants.
const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Statuses lists every status in board order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusDone}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Label returns the column heading for s.
func (s Status) Label() string {
	switch s {
	case StatusTodo:
		return "Todo"
	case StatusInProgress:
		return "In Progress"
	case StatusDone:
		return "Done"
	}
	return string(s)
}

// Priority is the urgency of an issue.
type Priority string

// Issue priority constants.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every priority from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Next returns the following priority, wrapping from urgent back to low.
func (p Priority) Next() Priority {
	for i, candidate := range Priorities {
		if candidate == p {
			return Priorities[(i+1)%len(Priorities)]
		}
	}
	return PriorityMedium
}

// Issue is the single record type tracked on the board.
type Issue struct {
	ID          string    `json:"id" db:"id"`
	IssueNumber int64     `json:"issue_number" db:"issue_number"`
	Title       string    `json:"title" db:"title"`
	Description *string   `json:"description" db:"description"`
	Status      Status    `json:"status" db:"status"`
	Priority    Priority  `json:"priority" db:"priority"`
	Assignee    *string   `json:"assignee" db:"assignee"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of the issue so that callers holding the copy
// cannot observe later edits through the nullable fields.
func (i Issue) Clone() Issue {
	i.Description = cloneString(i.Description)
	i.Assignee = cloneString(i.Assignee)
	return i
}

// CreateData extracts the creation payload from a fully built issue.
func (i Issue) CreateData() CreateIssueData {
	return CreateIssueData{
		Title:       i.Title,
		Description: cloneString(i.Description),
		Status:      i.Status,
		Priority:    i.Priority,
		Assignee:    cloneString(i.Assignee),
	}
}

// CreateIssueData is the payload accepted when creating an issue.
type CreateIssueData struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	Assignee    *string  `json:"assignee,omitempty"`
}

// CreateIssueRequest is the POST /issues body: creation data plus an
// optional client-generated id.
type CreateIssueRequest struct {
	ID string `json:"id,omitempty"`
	CreateIssueData
}

// UpdateIssueData is a strict partial update. A nil pointer or an unset
// NullableString means "leave the field alone".
type UpdateIssueData struct {
	Title       *string        `json:"title,omitempty"`
	Description NullableString `json:"description,omitzero"`
	Status      *Status        `json:"status,omitempty"`
	Priority    *Priority      `json:"priority,omitempty"`
	Assignee    NullableString `json:"assignee,omitzero"`
}

// IsEmpty reports whether the update touches no field at all.
func (u UpdateIssueData) IsEmpty() bool {
	return u.Title == nil &&
		!u.Description.Set &&
		u.Status == nil &&
		u.Priority == nil &&
		!u.Assignee.Set
}

// Fields returns the column names touched by the update, in a stable order.
func (u UpdateIssueData) Fields() []string {
	var fields []string
	if u.Title != nil {
		fields = append(fields, "title")
	}
	if u.Description.Set {
		fields = append(fields, "description")
	}
	if u.Status != nil {
		fields = append(fields, "status")
	}
	if u.Priority != nil {
		fields = append(fields, "priority")
	}
	if u.Assignee.Set {
		fields = append(fields, "assignee")
	}
	return fields
}

// Apply writes the present fields onto issue. UpdatedAt is left to the caller.
func (u UpdateIssueData) Apply(issue *Issue) {
	if u.Title != nil {
		issue.Title = *u.Title
	}
	if u.Description.Set {
		issue.Description = u.Description.Ptr()
	}
	if u.Status != nil {
		issue.Status = *u.Status
	}
	if u.Priority != nil {
		issue.Priority = *u.Priority
	}
	if u.Assignee.Set {
		issue.Assignee = u.Assignee.Ptr()
	}
}

// Diff builds the minimal update that turns before into after. Identity
// and timestamp fields are ignored.
func Diff(before, after Issue) UpdateIssueData {
	var u UpdateIssueData
	if before.Title != after.Title {
		title := after.Title
		u.Title = &title
	}
	if !equalString(before.Description, after.Description) {
		u.Description = NullableFrom(after.Description)
	}
	if before.Status != after.Status {
		status := after.Status
		u.Status = &status
	}
	if before.Priority != after.Priority {
		priority := after.Priority
		u.Priority = &priority
	}
	if !equalString(before.Assignee, after.Assignee) {
		u.Assignee = NullableFrom(after.Assignee)
	}
	return u
}

// NullableString distinguishes an absent JSON field (Set false) from an
// explicit null (Set true, Valid false) and from a value.
type NullableString struct {
	Set    bool
	Valid  bool
	String string
}

// NullableFrom converts an optional string into a present NullableString.
func NullableFrom(s *string) NullableString {
	if s == nil {
		return NullableString{Set: true}
	}
	return NullableString{Set: true, Valid: true, String: *s}
}

// Ptr returns the value as an optional string.
func (n NullableString) Ptr() *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

// IsZero lets encoding/json omit an unset field.
func (n NullableString) IsZero() bool {
	return !n.Set
}

// MarshalJSON encodes null or the string value.
func (n NullableString) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.String)
}

// UnmarshalJSON is only invoked when the key is present in the payload.
func (n *NullableString) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Valid = false
		n.String = ""
		return nil
	}
	if err := json.Unmarshal(data, &n.String); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// StringPtr is a small helper for building optional fields.
func StringPtr(s string) *string {
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
