package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/cluebox/imagestore/lifecycle"
)

// StatusFetcher supplies the current cache status; the watch dashboard
// polls it on every refresh tick.
type StatusFetcher func() (lifecycle.Status, error)

// tickMsg drives the periodic refresh.
type tickMsg time.Time

// statusMsg carries a fetched status into the model.
type statusMsg struct {
	status lifecycle.Status
	err    error
}

// StatusModel is the live cache status dashboard shown by
// "status --watch".
type StatusModel struct {
	fetch           StatusFetcher
	refreshInterval time.Duration

	spinner     spinner.Model
	status      lifecycle.Status
	err         error
	lastRefresh time.Time
	styles      *Styles
	quitting    bool
}

// NewStatusModel creates the watch dashboard over fetch.
func NewStatusModel(fetch StatusFetcher, refreshInterval time.Duration) StatusModel {
	if refreshInterval <= 0 {
		refreshInterval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return StatusModel{
		fetch:           fetch,
		refreshInterval: refreshInterval,
		spinner:         sp,
		styles:          DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchCmd(), m.tickCmd())
}

func (m StatusModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		status, err := m.fetch()
		return statusMsg{status: status, err: err}
	}
}

func (m StatusModel) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	case statusMsg:
		m.status = msg.status
		m.err = msg.err
		m.lastRefresh = time.Now()
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Title.Render("cluebox image cache"))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("✗ %v", m.err)))
		b.WriteString("\n")
	}

	occupancy := fmt.Sprintf("%d / %d resident", m.status.ActiveImages, m.status.MaxImages)
	if m.status.ActiveImages >= m.status.MaxImages {
		occupancy = m.styles.Warning.Render(occupancy)
	} else {
		occupancy = m.styles.Success.Render(occupancy)
	}

	var keys strings.Builder
	if len(m.status.ImageKeys) == 0 {
		keys.WriteString(m.styles.Muted.Render("(no resident images)"))
	} else {
		for i, key := range m.status.ImageKeys {
			if i > 0 {
				keys.WriteString("\n")
			}
			keys.WriteString("• " + m.styles.Key.Render(key))
		}
	}

	b.WriteString(m.styles.Box.Render(occupancy + "\n\n" + keys.String()))
	b.WriteString("\n")

	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = m.lastRefresh.Format("15:04:05")
	}
	b.WriteString(m.styles.Help.Render(fmt.Sprintf("%s refreshed %s  •  q to quit", m.spinner.View(), refreshed)))
	b.WriteString("\n")
	return b.String()
}
