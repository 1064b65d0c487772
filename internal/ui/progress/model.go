// Package progress shows a live view of a running sync.
package progress

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/nhle/mailsync/internal/keys"
	"github.com/nhle/mailsync/internal/shutdown"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

// stateMsg reports a state transition of the run.
type stateMsg struct {
	runID string
	state sync.State
}

// outcomeMsg reports one finished id.
type outcomeMsg struct {
	id      string
	outcome sync.Outcome
}

// doneMsg carries the finished run back to the view.
type doneMsg struct {
	summary *sync.Summary
	err     error
}

// Model is the Bubble Tea model of the progress view.
type Model struct {
	mode     sync.Mode
	runID    string
	state    sync.State
	counts   map[sync.Outcome]int
	lastID   string
	stopping shutdown.Level

	ctrl    *shutdown.Controller
	keys    *keys.KeyMap
	help    help.Model
	spinner spinner.Model

	done bool
}

// NewModel returns a view for a run in the given mode. Stop keys signal
// ctrl.
func NewModel(ctrl *shutdown.Controller, mode sync.Mode) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorAccent)

	return Model{
		mode:    mode,
		counts:  make(map[sync.Outcome]int),
		ctrl:    ctrl,
		keys:    keys.DefaultKeyMap(),
		help:    help.New(),
		spinner: s,
	}
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages for the progress view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Stop):
			if m.ctrl != nil {
				m.stopping = m.ctrl.Signal()
			}
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}
		return m, nil

	case stateMsg:
		m.runID = msg.runID
		m.state = msg.state
		return m, nil

	case outcomeMsg:
		m.counts[msg.outcome]++
		m.lastID = msg.id
		return m, nil

	case doneMsg:
		m.done = true
		if msg.summary != nil {
			m.state = msg.summary.State
		}
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the progress panel.
func (m Model) View() string {
	if m.done {
		return ""
	}

	title := theme.HeaderStyle.Render(fmt.Sprintf("mailsync %s sync", m.mode))
	status := m.spinner.View() + theme.StateStyle(m.state.String()).Render(m.state.String())

	var b strings.Builder
	for _, o := range []sync.Outcome{
		sync.OutcomeCreated, sync.OutcomeUpdated, sync.OutcomeSkipped,
		sync.OutcomeFailed, sync.OutcomeStoreFailed, sync.OutcomeCancelled,
	} {
		n := m.counts[o]
		value := humanize.Comma(int64(n))
		if n > 0 {
			value = theme.OutcomeStyle(o.String()).Render(value)
		}
		b.WriteString(theme.LabelStyle.Render(o.String()) + value + "\n")
	}
	if m.lastID != "" {
		b.WriteString(theme.LabelStyle.Render("last") + m.lastID + "\n")
	}

	lines := []string{title, status, theme.PanelStyle.Render(strings.TrimRight(b.String(), "\n"))}
	switch m.stopping {
	case shutdown.Graceful:
		lines = append(lines, theme.WarnStyle.Render("finishing in-flight messages, press again to force"))
	case shutdown.Forced:
		lines = append(lines, theme.WarnStyle.Render("stopping now"))
	}
	lines = append(lines, theme.HelpStyle.Render(m.help.View(m.keys)))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// View drives a Model with a tea.Program and relays run events to it. It
// implements sync.Progress.
type View struct {
	prog *tea.Program
}

var _ sync.Progress = (*View)(nil)

// New prepares a view writing to out.
func New(ctrl *shutdown.Controller, mode sync.Mode, out io.Writer, opts ...tea.ProgramOption) *View {
	opts = append([]tea.ProgramOption{tea.WithOutput(out)}, opts...)
	return &View{prog: tea.NewProgram(NewModel(ctrl, mode), opts...)}
}

func (v *View) OnState(runID string, s sync.State) {
	v.prog.Send(stateMsg{runID: runID, state: s})
}

func (v *View) OnOutcome(_ string, id string, o sync.Outcome) {
	v.prog.Send(outcomeMsg{id: id, outcome: o})
}

// Run shows the view while work runs and returns work's result once
// both have finished.
func (v *View) Run(work func() (*sync.Summary, error)) (*sync.Summary, error) {
	results := make(chan doneMsg, 1)
	go func() {
		sum, err := work()
		results <- doneMsg{summary: sum, err: err}
		v.prog.Send(doneMsg{summary: sum, err: err})
	}()

	_, viewErr := v.prog.Run()
	res := <-results
	if res.err == nil && viewErr != nil && res.summary == nil {
		return nil, fmt.Errorf("running progress view: %w", viewErr)
	}
	return res.summary, res.err
}
