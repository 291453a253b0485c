// Package tui renders a live status view for the istota doctor subcommand.
// Polls a slice of doctor.CheckResult once a second rather than a
// fixed-shape engine/queue Snapshot, since this design's diagnostics
// are a named checklist rather than a single running daemon's gauges.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Check is the subset of doctor.CheckResult the view renders; declared
// locally so this package doesn't import internal/doctor, keeping the
// dependency direction the caller's choice.
type Check struct {
	Name    string
	Status  string
	Message string
}

type StatusProvider func() []Check

var (
	stylePass = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleSkip = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleHead = lipgloss.NewStyle().Bold(true).Underline(true)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "PASS":
		return stylePass
	case "WARN":
		return styleWarn
	case "FAIL":
		return styleFail
	default:
		return styleSkip
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	provider StatusProvider
	checks   []Check
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.checks = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(styleHead.Render("istota doctor"))
	b.WriteString("\n\n")
	for _, c := range m.checks {
		fmt.Fprintf(&b, "%s  %-18s %s\n", statusStyle(c.Status).Render(fmt.Sprintf("[%-4s]", c.Status)), c.Name, c.Message)
	}
	b.WriteString("\nPress q to quit.\n")
	return b.String()
}

// RunDoctorView drives an interactive doctor status screen until ctx is
// cancelled or the user quits.
func RunDoctorView(ctx context.Context, provider StatusProvider) error {
	m := model{provider: provider, checks: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
