package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	janus "github.com/maksidze/janus"
)

// Messages

type jobsMsg []janus.Job

type jobUpdateMsg janus.Job

type streamClosedMsg struct{}

type fetchErrMsg struct{ err error }

// Model is the bubbletea model for the monitor dashboard.
type Model struct {
	client *Client
	ctx    context.Context

	jobs      map[string]janus.Job
	order     []string
	eventCh   <-chan SSEEvent
	connected bool
	lastErr   error

	spin   spinner.Model
	bar    progress.Model
	styles *Styles
	width  int
}

// NewModel creates the dashboard model. ctx bounds the SSE stream.
func NewModel(ctx context.Context, client *Client) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &Model{
		client: client,
		ctx:    ctx,
		jobs:   make(map[string]janus.Job),
		spin:   sp,
		bar:    progress.New(progress.WithDefaultGradient()),
		styles: DefaultStyles(),
		width:  100,
	}
}

// Init starts the initial fetch, the event stream and the spinner.
func (m *Model) Init() tea.Cmd {
	m.eventCh = m.client.StreamEvents(m.ctx)
	return tea.Batch(m.fetchJobs, m.nextEvent, m.spin.Tick)
}

func (m *Model) fetchJobs() tea.Msg {
	jobs, err := m.client.FetchJobs(m.ctx)
	if err != nil {
		return fetchErrMsg{err: err}
	}
	return jobsMsg(jobs)
}

// nextEvent pulls one frame off the SSE channel.
func (m *Model) nextEvent() tea.Msg {
	ev, ok := <-m.eventCh
	if !ok {
		return streamClosedMsg{}
	}
	if ev.Type != "job_update" {
		return jobUpdateMsg{} // ignored below
	}
	var job janus.Job
	if err := json.Unmarshal([]byte(ev.Data), &job); err != nil {
		return jobUpdateMsg{}
	}
	return jobUpdateMsg(job)
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchJobs
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width / 4

	case jobsMsg:
		m.connected = true
		m.lastErr = nil
		m.jobs = make(map[string]janus.Job, len(msg))
		for _, job := range msg {
			m.jobs[job.JobID] = job
		}
		m.reorder()

	case jobUpdateMsg:
		if msg.JobID != "" {
			m.connected = true
			m.jobs[msg.JobID] = janus.Job(msg)
			m.reorder()
		}
		return m, m.nextEvent

	case streamClosedMsg:
		m.connected = false
		return m, nil

	case fetchErrMsg:
		m.connected = false
		m.lastErr = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) reorder() {
	m.order = m.order[:0]
	for id := range m.jobs {
		m.order = append(m.order, id)
	}
	sort.Strings(m.order) // ULIDs sort by creation time
}

// View renders the job table.
func (m *Model) View() string {
	var rows []string
	rows = append(rows, m.styles.Title.Render("Janus — flash monitor"))

	status := m.styles.Offline.Render("● offline")
	if m.connected {
		status = m.styles.Connected.Render("● connected")
	}
	rows = append(rows, status)
	if m.lastErr != nil {
		rows = append(rows, m.styles.Offline.Render(m.lastErr.Error()))
	}
	rows = append(rows, "")

	header := fmt.Sprintf("%-4s %-12s %-10s %-24s %-10s %-8s", "CELL", "STATE", "PROGRESS", "DEVICE", "SPEED", "ETA")
	rows = append(rows, m.styles.Header.Render(header))

	if len(m.order) == 0 {
		rows = append(rows, m.styles.Footer.Render(m.spin.View()+" waiting for jobs..."))
	}
	for _, id := range m.order {
		job := m.jobs[id]
		bar := m.bar.ViewAs(job.Progress)
		line := fmt.Sprintf("%-4s %-12s %s %-24s %-10s %-8s",
			job.CellID,
			m.styles.State(job.State).Render(string(job.State)),
			bar,
			job.DevicePath,
			job.SpeedHuman,
			job.EtaHuman,
		)
		if job.Error != "" {
			line += "  " + m.styles.Offline.Render(job.Error)
		} else if job.Warning != "" {
			line += "  " + m.styles.Footer.Render(job.Warning)
		}
		rows = append(rows, m.styles.Cell.Render(line))
	}

	rows = append(rows, "", m.styles.Footer.Render("q quit · r refresh"))
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// Run starts the dashboard and blocks until the operator quits.
func Run(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewModel(ctx, NewClient(baseURL))
	program := tea.NewProgram(model, tea.WithAltScreen())

	// Periodic refetch keeps the table honest even if an update frame
	// was dropped by the bus.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				program.Send(model.fetchJobs())
			}
		}
	}()

	_, err := program.Run()
	return err
}
