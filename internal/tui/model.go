// Package tui renders the live `watch` view for one project.
package tui

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

	"stepflow/internal/eventbus"
	"stepflow/internal/orchestrator"
)

// maxFeed bounds the event feed kept in memory.
const maxFeed = 200

// WatchConfig wires the model to a live server.
type WatchConfig struct {
	ProjectID string
	// RunID pins the step panel to one run. When empty the run of the first
	// workflow event is used.
	RunID string
	// Events is closed when the connection drops.
	Events <-chan eventbus.Event
	// LoadSteps fetches a run's steps.
	LoadSteps func(ctx context.Context, runID string) ([]*orchestrator.StepView, error)
}

// eventMsg carries one pushed event.
type eventMsg struct{ ev eventbus.Event }

// disconnectedMsg is sent once Events is closed.
type disconnectedMsg struct{}

// stepsLoadedMsg is sent after fetching the run's steps.
type stepsLoadedMsg struct {
	runID string
	steps []*orchestrator.StepView
	err   error
}

// Model is the watch view.
type Model struct {
	cfg       WatchConfig
	runID     string
	steps     []*orchestrator.StepView
	feed      []string
	status    string
	connected bool
	err       string
	help      help.Model
	spinner   spinner.Model
	offset    int // lines scrolled back from the newest event
	width     int
	height    int
}

// NewModel returns a watch model for cfg.
func NewModel(cfg WatchConfig) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(accentColor)
	return Model{
		cfg:       cfg,
		runID:     cfg.RunID,
		connected: true,
		help:      help.New(),
		spinner:   sp,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForEvent(m.cfg.Events), m.spinner.Tick}
	if m.runID != "" {
		cmds = append(cmds, m.loadSteps(m.runID))
	}
	return tea.Batch(cmds...)
}

func waitForEvent(ch <-chan eventbus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

func (m Model) loadSteps(runID string) tea.Cmd {
	if m.cfg.LoadSteps == nil {
		return nil
	}
	load := m.cfg.LoadSteps
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		steps, err := load(ctx, runID)
		return stepsLoadedMsg{runID: runID, steps: steps, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			if m.runID != "" {
				m.err = ""
				return m, m.loadSteps(m.runID)
			}
		case key.Matches(msg, keys.Up):
			if m.offset < len(m.feed)-1 {
				m.offset++
			}
		case key.Matches(msg, keys.Down):
			if m.offset > 0 {
				m.offset--
			}
		case key.Matches(msg, keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}
		return m, nil

	case eventMsg:
		m.appendFeed(msg.ev)
		cmds := []tea.Cmd{waitForEvent(m.cfg.Events)}
		if runID := workflowOf(msg.ev); runID != "" {
			if m.runID == "" {
				m.runID = runID
			}
			if runID == m.runID {
				cmds = append(cmds, m.loadSteps(runID))
			}
		}
		if p, ok := msg.ev.Payload.(eventbus.ProjectStatusPayload); ok && p.WorkflowID == m.runID {
			m.status = fmt.Sprintf("%s (%d/%d approved)", p.Status, p.ApprovedSteps, p.TotalSteps)
		}
		return m, tea.Batch(cmds...)

	case stepsLoadedMsg:
		if msg.err != nil {
			m.err = msg.err.Error()
			return m, nil
		}
		if msg.runID == m.runID {
			m.steps = msg.steps
		}
		return m, nil

	case disconnectedMsg:
		m.connected = false
		return m, nil

	case spinner.TickMsg:
		if !m.connected {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) appendFeed(ev eventbus.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m.feed = append(m.feed, fmt.Sprintf("%s %s", ts.Local().Format("15:04:05"), DescribeEvent(ev)))
	if len(m.feed) > maxFeed {
		m.feed = m.feed[len(m.feed)-maxFeed:]
	}
	if m.offset > 0 {
		m.offset++
	}
}

// workflowOf returns the run an event belongs to, if any.
func workflowOf(ev eventbus.Event) string {
	switch p := ev.Payload.(type) {
	case eventbus.WorkflowUpdatePayload:
		return p.WorkflowID
	case eventbus.AgentMessagePayload:
		return p.WorkflowID
	case eventbus.ProjectStatusPayload:
		return p.WorkflowID
	}
	return ""
}

func (m Model) View() string {
	var b strings.Builder

	title := bannerStyle.Render("stepflow watch") + " " + paneTitleStyle.Render(m.cfg.ProjectID)
	if m.connected {
		title += " " + m.spinner.View()
	} else {
		title += " " + alertStyle.Render("disconnected")
	}
	b.WriteString(title)
	b.WriteString("\n\n")

	width := m.width - 4
	if width <= 0 {
		width = 100
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth - 2

	feedHeight := m.height - 8
	if feedHeight < 5 {
		feedHeight = 15
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		lipgloss.NewStyle().Width(leftWidth).Render(renderSteps(m.runID, m.status, m.steps, leftWidth)),
		lipgloss.NewStyle().Width(rightWidth).MarginLeft(2).Render(renderFeed(m.feed, m.offset, feedHeight, rightWidth)),
	)
	b.WriteString(content)

	if m.err != "" {
		b.WriteString("\n" + alertStyle.Render(m.err))
	}
	b.WriteString("\n" + keyHelpStyle.Render(m.help.View(keys)))
	return frameStyle.Render(b.String())
}

// Run starts the watch view and blocks until the user quits.
func Run(cfg WatchConfig) error {
	p := tea.NewProgram(NewModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
