package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/rpc"
)

var (
	colorPrimary = lipgloss.Color("#7D56F4")
	colorSuccess = lipgloss.Color("#28A745")
	colorError   = lipgloss.Color("#DC3545")
)

type progressTickMsg dsi.Progress

type progressDoneMsg struct{ err error }

// progressModel polls get_install_progress every pollInterval and renders
// an 80-column bar, mirroring the teacher's bubbletea/bubbles pipeline
// progress display adapted to this daemon's single streaming step.
type progressModel struct {
	client       *rpc.Client
	pollInterval time.Duration
	bar          progress.Model
	step         string
	processed    uint64
	total        uint64
	done         bool
	err          error
}

func newProgressModel(client *rpc.Client, pollInterval time.Duration) *progressModel {
	return &progressModel{
		client:       client,
		pollInterval: pollInterval,
		bar:          progress.New(progress.WithDefaultGradient(), progress.WithWidth(80)),
	}
}

func (m *progressModel) Init() tea.Cmd {
	return m.poll()
}

func (m *progressModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		prog, err := m.client.GetInstallProgress(ctx)
		if err != nil {
			return progressDoneMsg{err: err}
		}
		return progressTickMsg(prog)
	}
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressTickMsg:
		m.step = msg.Step
		m.processed = msg.Processed
		m.total = msg.Total
		if msg.Status == dsi.ProgressComplete {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Tick(m.pollInterval, func(time.Time) tea.Msg { return m.poll()() })
	case progressDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *progressModel) View() string {
	if m.err != nil {
		return lipgloss.NewStyle().Foreground(colorError).Render(fmt.Sprintf("install failed: %v\n", m.err))
	}
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.processed) / float64(m.total)
	}
	bar := m.bar.ViewAs(pct)
	label := fmt.Sprintf("%s  %d/%d bytes", m.step, m.processed, m.total)
	if m.done {
		return lipgloss.NewStyle().Foreground(colorSuccess).Render("install complete\n")
	}
	return lipgloss.NewStyle().Foreground(colorPrimary).Render(bar) + "\n" + label + "\n"
}
