package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"exam-proctor/internal/session"
)

// sessionAPI is the part of the REST API the dashboard needs.
type sessionAPI interface {
	ListSessions(unitID string) ([]*session.Session, error)
	Terminate(sessionID, reason string) (*session.Session, error)
	Watch(ctx context.Context, unitID string) (<-chan feedEvent, error)
}

type sessionsMsg struct {
	sessions []*session.Session
	err      error
}

type terminatedMsg struct {
	session *session.Session
	err     error
}

type tickMsg time.Time

type feedConnectedMsg struct{ events <-chan feedEvent }

type feedFailedMsg struct{ err error }

type feedEventMsg feedEvent

type feedClosedMsg struct{}

// model is the invigilator dashboard: the unit's active sessions, kept
// current by the unit's live feed, with a prompt for terminating the
// selected one. While the feed is down the list is polled every interval
// and the feed is redialled.
type model struct {
	ctx      context.Context
	api      sessionAPI
	unitID   string
	interval time.Duration
	now      func() time.Time

	keys   keyMap
	help   help.Model
	table  table.Model
	reason textinput.Model

	sessions  []*session.Session
	feed      <-chan feedEvent
	live      bool
	dialing   bool
	feedErr   error
	prompting bool
	status    string
	err       error
	refreshed time.Time
}

func newModel(ctx context.Context, api sessionAPI, unitID string, interval time.Duration) model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "SESSION", Width: 10},
			{Title: "STUDENT", Width: 16},
			{Title: "EXAM", Width: 12},
			{Title: "ELAPSED", Width: 10},
			{Title: "VIOL", Width: 5},
			{Title: "LAST VIOLATION", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	t.SetStyles(tableStyles())

	in := textinput.New()
	in.Placeholder = "reason for termination"
	in.CharLimit = 512
	in.Width = 60

	return model{
		ctx:      ctx,
		api:      api,
		unitID:   unitID,
		interval: interval,
		now:      time.Now,
		keys:     defaultKeyMap(),
		help:     help.New(),
		table:    t,
		reason:   in,
		dialing:  true, // Init dials the feed
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.dial(), m.tick())
}

func (m model) dial() tea.Cmd {
	ctx, api, unit := m.ctx, m.api, m.unitID
	return func() tea.Msg {
		events, err := api.Watch(ctx, unit)
		if err != nil {
			return feedFailedMsg{err: err}
		}
		return feedConnectedMsg{events: events}
	}
}

func readFeed(events <-chan feedEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return feedClosedMsg{}
		}
		return feedEventMsg(ev)
	}
}

func (m model) fetch() tea.Cmd {
	api, unit := m.api, m.unitID
	return func() tea.Msg {
		list, err := api.ListSessions(unit)
		return sessionsMsg{sessions: list, err: err}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) terminate(id, reason string) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		s, err := api.Terminate(id, reason)
		return terminatedMsg{session: s, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		if m.live {
			// Only the elapsed column moves between feed events.
			m.table.SetRows(m.rows())
			return m, m.tick()
		}
		cmds := []tea.Cmd{m.fetch(), m.tick()}
		if !m.dialing {
			m.dialing = true
			cmds = append(cmds, m.dial())
		}
		return m, tea.Batch(cmds...)

	case feedConnectedMsg:
		m.dialing = false
		m.live = true
		m.feedErr = nil
		m.feed = msg.events
		return m, readFeed(m.feed)

	case feedFailedMsg:
		m.dialing = false
		m.live = false
		m.feedErr = msg.err
		return m, nil

	case feedClosedMsg:
		m.live = false
		m.feed = nil
		return m, nil

	case feedEventMsg:
		if m.feed == nil {
			return m, nil
		}
		if msg.Kind == "snapshot" {
			m.setSessions(msg.Sessions)
			return m, readFeed(m.feed)
		}
		// Events name a session but not its state; reload the list.
		return m, tea.Batch(m.fetch(), readFeed(m.feed))

	case sessionsMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.setSessions(msg.sessions)
		return m, nil

	case terminatedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status = fmt.Sprintf("terminated %s (%s)", msg.session.StudentID, shortID(msg.session.ID))
		return m, m.fetch()

	case tea.KeyMsg:
		if m.prompting {
			return m.handlePrompt(msg)
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetch()
	case key.Matches(msg, m.keys.Terminate):
		if m.selected() == nil {
			return m, nil
		}
		m.prompting = true
		m.status = ""
		m.reason.SetValue("")
		return m, m.reason.Focus()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) handlePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.prompting = false
		m.reason.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Confirm):
		reason := strings.TrimSpace(m.reason.Value())
		s := m.selected()
		if reason == "" || s == nil {
			return m, nil
		}
		m.prompting = false
		m.reason.Blur()
		m.status = "terminating " + s.StudentID + "..."
		return m, m.terminate(s.ID, reason)
	}
	var cmd tea.Cmd
	m.reason, cmd = m.reason.Update(msg)
	return m, cmd
}

func (m *model) setSessions(list []*session.Session) {
	m.sessions = list
	m.refreshed = m.now()
	m.table.SetRows(m.rows())
}

func (m model) selected() *session.Session {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.sessions) {
		return nil
	}
	return m.sessions[i]
}

func (m model) rows() []table.Row {
	now := m.now()
	rows := make([]table.Row, 0, len(m.sessions))
	for _, s := range m.sessions {
		last := "-"
		if n := len(s.Violations); n > 0 {
			v := s.Violations[n-1]
			last = fmt.Sprintf("%s [%s] %s", v.Type, v.Severity, v.Description)
		}
		rows = append(rows, table.Row{
			shortID(s.ID),
			s.StudentID,
			s.ExamID,
			s.Duration(now).Truncate(time.Second).String(),
			strconv.Itoa(len(s.Violations)),
			last,
		})
	}
	return rows
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Invigilator · unit " + m.unitID))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d active", len(m.sessions))))
	if m.live {
		b.WriteString(statusStyle.Render(" · live"))
	} else {
		b.WriteString(warnStyle.Render(" · polling"))
		if m.feedErr != nil {
			b.WriteString(dimStyle.Render(" (" + m.feedErr.Error() + ")"))
		}
	}
	if !m.refreshed.IsZero() {
		b.WriteString(dimStyle.Render(" · updated " + m.refreshed.Format(time.TimeOnly)))
	}
	b.WriteString("\n\n")

	if len(m.sessions) == 0 {
		b.WriteString(dimStyle.Render("No active sessions."))
		b.WriteString("\n")
	} else {
		b.WriteString(m.table.View())
		b.WriteString("\n")
	}

	if m.prompting {
		if s := m.selected(); s != nil {
			b.WriteString("\n")
			b.WriteString(warnStyle.Render("Terminate " + s.StudentID + "? "))
			b.WriteString(m.reason.View())
			b.WriteString("\n")
		}
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	} else if m.status != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
