package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"kait/internal/supervisor"
	"kait/internal/version"
)

var (
	watchFrame = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
	watchTitle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
	watchHint = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

type watchTickMsg time.Time

type watchModel struct {
	sup       *supervisor.Supervisor
	interval  time.Duration
	heartbeat time.Duration
	table     table.Model
	updated   time.Time
}

// watchStatus runs a full-screen view that re-polls worker status. The
// refresh period tracks the heartbeat interval so ages stay meaningful.
func watchStatus(sup *supervisor.Supervisor, heartbeat time.Duration) error {
	refresh := 2 * time.Second
	if heartbeat > 0 && heartbeat < refresh {
		refresh = heartbeat
	}

	columns := []table.Column{
		{Title: "Worker", Width: 12},
		{Title: "State", Width: 9},
		{Title: "PID", Width: 8},
		{Title: "Heartbeat", Width: 12},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(len(sup.Workers())+1),
	)
	styles := table.DefaultStyles()
	styles.Selected = styles.Cell
	t.SetStyles(styles)

	m := watchModel{sup: sup, interval: refresh, heartbeat: heartbeat, table: t}
	m.refresh()

	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m watchModel) Init() tea.Cmd {
	return m.tick()
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case watchTickMsg:
		m.refresh()
		return m, m.tick()
	}
	return m, nil
}

func (m *watchModel) refresh() {
	statuses := m.sup.StatusAll()
	rows := make([]table.Row, 0, len(statuses))
	for _, st := range statuses {
		state := "stopped"
		pid := "-"
		beat := "-"
		if st.Running {
			state = "running"
			if st.HeartbeatAgeS < 0 || (m.heartbeat > 0 && st.HeartbeatAgeS > 2*m.heartbeat.Seconds()) {
				state = "stale"
			}
		}
		if st.PID > 0 {
			pid = fmt.Sprintf("%d", st.PID)
		}
		if st.HeartbeatAgeS >= 0 {
			beat = fmt.Sprintf("%.0fs ago", st.HeartbeatAgeS)
		}
		rows = append(rows, table.Row{st.Name, state, pid, beat})
	}
	m.table.SetRows(rows)
	m.updated = time.Now()
}

func (m watchModel) View() string {
	header := watchTitle.Render(version.String() + " stack")
	footer := watchHint.Render(fmt.Sprintf("updated %s  ·  q to quit", m.updated.Format("15:04:05")))
	return watchFrame.Render(header + "\n" + m.table.View() + "\n" + footer)
}
