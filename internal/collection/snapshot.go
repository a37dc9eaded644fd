package collection

import "github.com/nhle/flow/internal/model"

// Snapshot is an immutable copy of the visible issues, newest first.
type Snapshot struct {
	Issues []model.Issue
	// Ready is false until the first successful load from the remote.
	Ready bool
	// Version increases with every change to the collection.
	Version uint64
}

// Len returns the number of issues in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Issues)
}

// Column returns the issues with the given status, preserving order.
func (s Snapshot) Column(status model.Status) []model.Issue {
	var out []model.Issue
	for _, issue := range s.Issues {
		if issue.Status == status {
			out = append(out, issue)
		}
	}
	return out
}

func (s Snapshot) Todo() []model.Issue       { return s.Column(model.StatusTodo) }
func (s Snapshot) InProgress() []model.Issue { return s.Column(model.StatusInProgress) }
func (s Snapshot) Done() []model.Issue       { return s.Column(model.StatusDone) }

// Columns groups the issues by status in board order.
func (s Snapshot) Columns() [][]model.Issue {
	cols := make([][]model.Issue, len(model.Statuses))
	for i, status := range model.Statuses {
		cols[i] = s.Column(status)
	}
	return cols
}

// OpenCount is the number of issues that are not done.
func (s Snapshot) OpenCount() int {
	n := 0
	for _, issue := range s.Issues {
		if issue.Status != model.StatusDone {
			n++
		}
	}
	return n
}

// Find returns the issue with the given id.
func (s Snapshot) Find(id string) (model.Issue, bool) {
	for _, issue := range s.Issues {
		if issue.ID == id {
			return issue, true
		}
	}
	return model.Issue{}, false
}
