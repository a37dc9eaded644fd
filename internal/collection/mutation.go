package collection

import (
	"time"

	"github.com/nhle/flow/internal/model"
)

type mutationKind int

const (
	mutationInsert mutationKind = iota
	mutationUpdate
	mutationDelete
)

func (k mutationKind) String() string {
	switch k {
	case mutationInsert:
		return "insert"
	case mutationUpdate:
		return "update"
	case mutationDelete:
		return "delete"
	}
	return "unknown"
}

// mutation is one optimistic change layered over the synced base. It keeps
// only its own delta so removing it never disturbs other pending changes to
// the same key.
type mutation struct {
	tx    *Transaction
	kind  mutationKind
	key   string
	issue model.Issue           // insert
	patch model.UpdateIssueData // update
	at    time.Time

	// after is closed when the previous mutation on the same key resolves.
	// turn is closed when this one resolves.
	after    <-chan struct{}
	turn     chan struct{}
	resolved bool

	// prior and folded are the base values before and after confirm.
	prior   model.Issue
	priorOK bool
	folded  model.Issue
}

// apply layers the mutation over the current value of its key.
func (m *mutation) apply(issue model.Issue, exists bool) (model.Issue, bool) {
	switch m.kind {
	case mutationInsert:
		return m.issue.Clone(), true
	case mutationUpdate:
		if !exists {
			return issue, false
		}
		if !m.patch.IsEmpty() {
			m.patch.Apply(&issue)
			issue.UpdatedAt = m.at
		}
		return issue, true
	case mutationDelete:
		return model.Issue{}, false
	}
	return issue, exists
}

// fold merges a confirmed mutation into the synced base value. A confirmed
// insert does not overwrite a record a refresh already brought in.
func (m *mutation) fold(issue model.Issue, exists bool) (model.Issue, bool) {
	if m.kind == mutationInsert && exists {
		return issue, true
	}
	return m.apply(issue, exists)
}

// inverse is the update that turns a confirmed update back into its prior
// value. It is empty when there was nothing to undo.
func (m *mutation) inverse() model.UpdateIssueData {
	if m.kind != mutationUpdate || !m.priorOK {
		return model.UpdateIssueData{}
	}
	return model.Diff(m.folded, m.prior)
}
