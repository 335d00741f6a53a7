package tui

import (
	"github.com/charmbracelet/lipgloss"

	janus "github.com/maksidze/janus"
)

// Styles holds the lipgloss styles for the dashboard.
type Styles struct {
	Title     lipgloss.Style
	Header    lipgloss.Style
	Cell      lipgloss.Style
	Footer    lipgloss.Style
	Connected lipgloss.Style
	Offline   lipgloss.Style

	states map[janus.JobState]lipgloss.Style
}

// DefaultStyles returns the dashboard color scheme.
func DefaultStyles() *Styles {
	return &Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1),
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245")),
		Cell:      lipgloss.NewStyle().Padding(0, 1),
		Footer:    lipgloss.NewStyle().Faint(true),
		Connected: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Offline:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		states: map[janus.JobState]lipgloss.Style{
			janus.StateQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			janus.StateWriting:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			janus.StateVerifying: lipgloss.NewStyle().Foreground(lipgloss.Color("99")),
			janus.StateExpanding: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			janus.StateResizing:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			janus.StateDone:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
			janus.StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
			janus.StateCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		},
	}
}

// State returns the style for a job state.
func (s *Styles) State(state janus.JobState) lipgloss.Style {
	if style, ok := s.states[state]; ok {
		return style
	}
	return s.Cell
}
