// Package board is the Bubble Tea root model for the Kanban board.
package board

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/flow/internal/collection"
	"github.com/nhle/flow/internal/keys"
	"github.com/nhle/flow/internal/model"
	appsync "github.com/nhle/flow/internal/sync"
	"github.com/nhle/flow/internal/theme"
	"github.com/nhle/flow/internal/ui"
	helpview "github.com/nhle/flow/internal/ui/help"
	"github.com/nhle/flow/internal/ui/issueform"
)

// waitTimeout bounds how long the board waits on a transaction result.
const waitTimeout = time.Minute

// snapshotMsg carries a collection snapshot into the update loop.
type snapshotMsg collection.Snapshot

// readyMsg reports the end of the initial load.
type readyMsg struct {
	err error
}

// txResultMsg reports the outcome of a committed transaction.
type txResultMsg struct {
	verb  string
	title string
	err   error
}

// Model is the board root model.
type Model struct {
	col    *collection.Collection
	poller *appsync.Poller
	keys   *keys.KeyMap

	layout   ui.Layout
	help     help.Model
	helpView helpview.Model
	spinner  spinner.Model
	form     issueform.Model

	updates     chan collection.Snapshot
	unsubscribe func()

	snap     collection.Snapshot
	column   int
	cursor   [3]int
	showHelp bool
	loaded   bool
	status   string
	errText  string
}

// New creates a board over col. poller may be nil.
func New(col *collection.Collection, poller *appsync.Poller) Model {
	updates := make(chan collection.Snapshot, 1)
	unsubscribe := col.Subscribe(func(s collection.Snapshot) {
		latest(updates, s)
	})

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorYellow)

	km := keys.DefaultKeyMap()

	return Model{
		col:         col,
		poller:      poller,
		keys:        km,
		layout:      ui.NewLayout(80, 24),
		help:        help.New(),
		helpView:    helpview.New(km, 80, 24),
		spinner:     sp,
		form:        issueform.New(80, 24),
		updates:     updates,
		unsubscribe: unsubscribe,
		snap:        col.Snapshot(),
	}
}

// latest replaces any undelivered snapshot so the channel never blocks
// the collection.
func latest(ch chan collection.Snapshot, s collection.Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Close detaches the board from the collection.
func (m Model) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.poller != nil {
		m.poller.Stop()
	}
}

// Init starts the initial load, the snapshot listener and the poller.
func (m Model) Init() tea.Cmd {
	m.col.Preload()

	cmds := []tea.Cmd{
		m.spinner.Tick,
		m.waitForSnapshot(),
		m.waitReady(),
	}
	if m.poller != nil {
		cmds = append(cmds, m.poller.Start())
	}
	return tea.Batch(cmds...)
}

func (m Model) waitForSnapshot() tea.Cmd {
	ch := m.updates
	return func() tea.Msg {
		return snapshotMsg(<-ch)
	}
}

func (m Model) waitReady() tea.Cmd {
	col := m.col
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		return readyMsg{err: col.WaitReady(ctx)}
	}
}

func waitTx(tx *collection.Transaction, verb, title string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		return txResultMsg{verb: verb, title: title, err: tx.Wait(ctx)}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.help.Width = msg.Width
		m.helpView.SetSize(msg.Width, m.layout.ContentHeight())
		m.form.SetSize(msg.Width, m.layout.ContentHeight())
		if m.form.Active() {
			return m.updateForm(msg)
		}
		return m, nil

	case snapshotMsg:
		m.snap = collection.Snapshot(msg)
		m.clampCursors()
		return m, m.waitForSnapshot()

	case readyMsg:
		m.loaded = true
		if msg.err != nil {
			m.errText = "Failed to load issues: " + msg.err.Error()
		}
		return m, nil

	case appsync.SyncResultMsg:
		if msg.Error != nil {
			m.errText = "Sync failed: " + msg.Error.Error()
		} else if strings.HasPrefix(m.errText, "Sync failed") {
			m.errText = ""
		}
		return m, m.poller.WaitForNextResult()

	case txResultMsg:
		if msg.err != nil {
			m.errText = fmt.Sprintf("Failed to %s %q: %v", msg.verb, msg.title, msg.err)
			m.status = ""
			return m, nil
		}
		m.status = "Saved " + quoteTitle(msg.title)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case issueform.CreatedMsg:
		tx, err := m.col.Insert(msg.Issue)
		if err != nil {
			m.errText = "Failed to create issue: " + err.Error()
			return m, nil
		}
		m.status = "Created " + quoteTitle(msg.Issue.Title)
		return m, waitTx(tx, "create", msg.Issue.Title)

	case issueform.UpdatedMsg:
		return m.update(msg.ID, "update", msg.Apply)

	case issueform.CancelMsg:
		return m, nil
	}

	if m.form.Active() {
		return m.updateForm(msg)
	}

	if msg, ok := msg.(tea.KeyMsg); ok {
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) updateForm(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.form, cmd = m.form.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp

	case key.Matches(msg, m.keys.Back):
		m.errText = ""
		m.showHelp = false

	case key.Matches(msg, m.keys.Left):
		m.column = (m.column + len(model.Statuses) - 1) % len(model.Statuses)

	case key.Matches(msg, m.keys.Right):
		m.column = (m.column + 1) % len(model.Statuses)

	case key.Matches(msg, m.keys.Up):
		if m.cursor[m.column] > 0 {
			m.cursor[m.column]--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor[m.column] < len(m.currentColumn())-1 {
			m.cursor[m.column]++
		}

	case key.Matches(msg, m.keys.Refresh):
		return m.refresh()

	case key.Matches(msg, m.keys.New):
		cmd := m.form.StartCreate(model.Statuses[m.column])
		return m, cmd

	case key.Matches(msg, m.keys.Edit):
		if issue, ok := m.selected(); ok {
			cmd := m.form.StartEdit(issue)
			return m, cmd
		}

	case key.Matches(msg, m.keys.Delete):
		if issue, ok := m.selected(); ok {
			tx, err := m.col.Delete(issue.ID)
			if err != nil {
				m.errText = "Failed to delete issue: " + err.Error()
				return m, nil
			}
			m.status = "Deleted " + quoteTitle(issue.Title)
			return m, waitTx(tx, "delete", issue.Title)
		}

	case key.Matches(msg, m.keys.MoveLeft):
		return m.move(-1)

	case key.Matches(msg, m.keys.MoveRight):
		return m.move(1)

	case key.Matches(msg, m.keys.CyclePrio):
		if issue, ok := m.selected(); ok {
			next := issue.Priority.Next()
			return m.update(issue.ID, "update", func(i *model.Issue) { i.Priority = next })
		}
	}

	return m, nil
}

func (m Model) refresh() (tea.Model, tea.Cmd) {
	if m.poller != nil {
		m.status = "Refreshing..."
		return m, m.poller.Refresh()
	}
	col := m.col
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		return readyMsg{err: col.Refresh(ctx)}
	}
}

// move shifts the selected issue one column and keeps the cursor on it.
func (m Model) move(delta int) (tea.Model, tea.Cmd) {
	issue, ok := m.selected()
	if !ok {
		return m, nil
	}
	target := m.column + delta
	if target < 0 || target >= len(model.Statuses) {
		return m, nil
	}

	status := model.Statuses[target]
	next, cmd := m.update(issue.ID, "move", func(i *model.Issue) { i.Status = status })
	b := next.(Model)
	b.column = target
	b.snap = b.col.Snapshot()
	for i, candidate := range b.currentColumn() {
		if candidate.ID == issue.ID {
			b.cursor[target] = i
		}
	}
	b.clampCursors()
	return b, cmd
}

func (m Model) update(id, verb string, apply func(*model.Issue)) (tea.Model, tea.Cmd) {
	issue, _ := m.col.Get(id)
	tx, err := m.col.Update(id, apply)
	if err != nil {
		m.errText = fmt.Sprintf("Failed to %s issue: %v", verb, err)
		return m, nil
	}
	m.status = "Saving " + quoteTitle(issue.Title)
	return m, waitTx(tx, verb, issue.Title)
}

func (m Model) currentColumn() []model.Issue {
	return m.snap.Column(model.Statuses[m.column])
}

func (m Model) selected() (model.Issue, bool) {
	col := m.currentColumn()
	i := m.cursor[m.column]
	if i < 0 || i >= len(col) {
		return model.Issue{}, false
	}
	return col[i], true
}

func (m *Model) clampCursors() {
	for i, status := range model.Statuses {
		n := len(m.snap.Column(status))
		if m.cursor[i] >= n {
			m.cursor[i] = max(n-1, 0)
		}
	}
}

func quoteTitle(title string) string {
	return fmt.Sprintf("%q", title)
}

// View renders the board.
func (m Model) View() string {
	syncText := fmt.Sprintf("%d open", m.snap.OpenCount())
	if !m.loaded {
		syncText = m.spinner.View() + " loading"
	} else if m.poller != nil && m.poller.Status().State == appsync.SyncRunning {
		syncText = m.spinner.View() + " " + syncText
	}
	header := m.layout.RenderHeader("Flow", syncText)

	var content string
	switch {
	case m.form.Active():
		content = lipgloss.Place(m.layout.Width, m.layout.ContentHeight(),
			lipgloss.Center, lipgloss.Center, m.form.View())
	case m.showHelp:
		content = m.helpView.View()
	default:
		content = m.renderColumns()
	}

	helpView := theme.HelpStyle.Render(m.help.View(m.keys))

	return m.layout.RenderWithFrame(header, content, helpView, m.layout.RenderStatusBar(m.status, m.errText))
}

func (m Model) renderColumns() string {
	width := m.layout.ColumnWidth(len(model.Statuses))
	height := m.layout.ContentHeight() - theme.ColumnStyle.GetVerticalFrameSize()

	cols := make([]string, len(model.Statuses))
	for i, status := range model.Statuses {
		issues := m.snap.Column(status)

		lines := []string{
			theme.StatusStyle(status).Render(fmt.Sprintf("%s (%d)", status.Label(), len(issues))),
			"",
		}
		for j, issue := range issues {
			lines = append(lines, m.renderCard(issue, i == m.column && j == m.cursor[i], width))
		}

		style := theme.ColumnStyle
		if i == m.column {
			style = theme.FocusedColumnStyle
		}
		cols[i] = style.Width(width).Height(max(height, 1)).Render(strings.Join(lines, "\n"))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, cols...)
}

func (m Model) renderCard(issue model.Issue, selected bool, width int) string {
	number := "#…"
	if issue.IssueNumber > 0 {
		number = fmt.Sprintf("#%d", issue.IssueNumber)
	}
	title := truncate(issue.Title, width-len(number)-4)

	meta := theme.PriorityStyle(issue.Priority).Render(string(issue.Priority))
	if issue.Assignee != nil {
		meta += " @" + *issue.Assignee
	}

	line := number + " " + title + "\n" + meta
	if m.col.Pending(issue.ID) {
		line = theme.PendingStyle.Render(number+" "+title) + "\n" + meta
	}

	if selected {
		return theme.SelectedCardStyle.Render(line)
	}
	return theme.CardStyle.Render(line)
}

func truncate(s string, n int) string {
	if n <= 1 {
		return "…"
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
