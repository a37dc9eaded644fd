package issueform

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/theme"
)

// CreatedMsg is dispatched when the form is submitted in create mode.
type CreatedMsg struct {
	Issue model.Issue
}

// UpdatedMsg is dispatched when the form is submitted in edit mode. Apply
// copies the edited fields onto the current version of the issue.
type UpdatedMsg struct {
	ID    string
	Apply func(*model.Issue)
}

// CancelMsg is dispatched when the user aborts the form.
type CancelMsg struct{}

// formBindings holds form field values on the heap so that huh's Value()
// pointers remain valid across Bubble Tea model copies.
type formBindings struct {
	title       string
	description string
	status      model.Status
	priority    model.Priority
	assignee    string
}

// Model is the Bubble Tea model for the issue create/edit dialog.
type Model struct {
	form     *huh.Form
	fb       *formBindings
	editMode bool
	editID   string
	width    int
	height   int
}

// New creates an idle form. Call StartCreate or StartEdit to show it.
func New(width, height int) Model {
	return Model{
		fb:     &formBindings{status: model.StatusTodo, priority: model.PriorityMedium},
		width:  width,
		height: height,
	}
}

// Active reports whether the form is currently shown.
func (m Model) Active() bool {
	return m.form != nil
}

// StartCreate opens the form for a new issue in the given column.
func (m *Model) StartCreate(status model.Status) tea.Cmd {
	m.editMode = false
	m.editID = ""
	*m.fb = formBindings{status: status, priority: model.PriorityMedium}
	m.form = m.buildForm()
	return m.form.Init()
}

// StartEdit opens the form prefilled with issue.
func (m *Model) StartEdit(issue model.Issue) tea.Cmd {
	m.editMode = true
	m.editID = issue.ID
	*m.fb = formBindings{
		title:    issue.Title,
		status:   issue.Status,
		priority: issue.Priority,
	}
	if issue.Description != nil {
		m.fb.description = *issue.Description
	}
	if issue.Assignee != nil {
		m.fb.assignee = *issue.Assignee
	}
	m.form = m.buildForm()
	return m.form.Init()
}

// Close hides the form.
func (m *Model) Close() {
	m.form = nil
}

// Update handles messages for the form.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if m.form == nil {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		submit := m.submit()
		m.form = nil
		return m, submit
	case huh.StateAborted:
		m.form = nil
		return m, func() tea.Msg { return CancelMsg{} }
	}

	return m, cmd
}

// View renders the form.
func (m Model) View() string {
	if m.form == nil {
		return ""
	}

	titleText := "New Issue"
	if m.editMode {
		titleText = "Edit Issue"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	return theme.DialogStyle.Render(titleStyle.Render(titleText) + "\n" + m.form.View())
}

// SetSize updates the form dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) buildForm() *huh.Form {
	statusOpts := make([]huh.Option[model.Status], len(model.Statuses))
	for i, s := range model.Statuses {
		statusOpts[i] = huh.NewOption(s.Label(), s)
	}
	priorityOpts := make([]huh.Option[model.Priority], len(model.Priorities))
	for i, p := range model.Priorities {
		priorityOpts[i] = huh.NewOption(strings.ToUpper(string(p[:1]))+string(p[1:]), p)
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Placeholder("What needs to be done?").
				Value(&m.fb.title).
				Validate(validateRequired("Title")),
			huh.NewText().
				Title("Description").
				Placeholder("Optional details...").
				Value(&m.fb.description),
			huh.NewSelect[model.Status]().
				Title("Status").
				Options(statusOpts...).
				Value(&m.fb.status),
			huh.NewSelect[model.Priority]().
				Title("Priority").
				Options(priorityOpts...).
				Value(&m.fb.priority),
			huh.NewInput().
				Title("Assignee").
				Placeholder("Optional").
				Value(&m.fb.assignee),
		),
	).WithWidth(m.formWidth()).WithHeight(m.formHeight())
}

func (m Model) submit() tea.Cmd {
	fb := *m.fb
	title := strings.TrimSpace(fb.title)
	description := optional(fb.description)
	assignee := optional(fb.assignee)

	if m.editMode {
		id := m.editID
		return func() tea.Msg {
			return UpdatedMsg{ID: id, Apply: func(issue *model.Issue) {
				issue.Title = title
				issue.Description = description
				issue.Status = fb.status
				issue.Priority = fb.priority
				issue.Assignee = assignee
			}}
		}
	}

	issue := model.Issue{
		Title:       title,
		Description: description,
		Status:      fb.status,
		Priority:    fb.priority,
		Assignee:    assignee,
	}
	return func() tea.Msg { return CreatedMsg{Issue: issue} }
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (m Model) formWidth() int {
	return min(max(m.width-8, 40), 80)
}

func (m Model) formHeight() int {
	return max(m.height-6, 12)
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}
