// Package tui implements the live segment view behind swmrctl watch.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/swmrcoord/internal/shm"
	"github.com/Iron-Ham/swmrcoord/internal/util"
)

// Config configures a watch Model.
type Config struct {
	// Dir is the shm directory to watch.
	Dir string
	// Interval is how often the directory is re-read.
	Interval time.Duration
	// StaleThreshold marks process entries older than this as stale.
	StaleThreshold time.Duration
	// Filter, if set, keeps only segments whose data file it accepts.
	Filter func(path string) bool
	// Width and Height are the initial terminal size, if known.
	Width, Height int
}

// Model is the bubbletea model of the watch view.
type Model struct {
	cfg Config

	all      []shm.Listing
	segments []shm.Listing
	err      error
	loadedAt time.Time
	selected int

	// query narrows the list to data files containing it.
	query     string
	searching bool
	search    textinput.Model

	width  int
	height int
}

// New returns a watch model for cfg.
func New(cfg Config) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	ti := textinput.New()
	ti.Prompt = "/"
	ti.Placeholder = "path substring"
	ti.CharLimit = 256
	ti.Width = 40
	return Model{cfg: cfg, search: ti, width: cfg.Width, height: cfg.Height}
}

// Run shows the watch view until the user quits.
func Run(cfg Config) error {
	p := tea.NewProgram(New(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// tickMsg triggers a reload of the shm directory.
type tickMsg time.Time

// segmentsMsg carries the result of one reload.
type segmentsMsg struct {
	segments []shm.Listing
	err      error
	at       time.Time
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.cfg.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) load() tea.Cmd {
	cfg := m.cfg
	return func() tea.Msg {
		listings, err := shm.List(cfg.Dir)
		if err != nil {
			return segmentsMsg{err: err, at: time.Now()}
		}
		if cfg.Filter != nil {
			kept := listings[:0]
			for _, l := range listings {
				if l.Err == nil && cfg.Filter(l.State.Path) {
					kept = append(kept, l)
				}
			}
			listings = kept
		}
		return segmentsMsg{segments: listings, at: time.Now()}
	}
}

// Init loads the directory and starts the refresh timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick())
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeypress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case segmentsMsg:
		m.err = msg.err
		m.loadedAt = msg.at
		if msg.err == nil {
			m.all = msg.segments
		}
		m.applyQuery()
		return m, nil
	}
	return m, nil
}

func (m Model) handleKeypress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searching {
		return m.handleSearchKeypress(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "esc":
		if m.query != "" {
			m.query = ""
			m.applyQuery()
			return m, nil
		}
		return m, tea.Quit
	case "/":
		m.searching = true
		m.search.SetValue(m.query)
		m.search.CursorEnd()
		cmd := m.search.Focus()
		return m, cmd
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.segments)-1 {
			m.selected++
		}
	case "r":
		return m, m.load()
	}
	return m, nil
}

func (m Model) handleSearchKeypress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "enter":
		m.query = strings.TrimSpace(m.search.Value())
		m.searching = false
		m.search.Blur()
		m.applyQuery()
		return m, nil
	case "esc":
		m.searching = false
		m.search.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	return m, cmd
}

// applyQuery recomputes the visible segments from the last load.
func (m *Model) applyQuery() {
	if m.query == "" {
		m.segments = m.all
	} else {
		m.segments = nil
		for _, l := range m.all {
			if l.Err == nil && strings.Contains(l.State.Path, m.query) {
				m.segments = append(m.segments, l)
			}
		}
	}
	m.clampSelection()
}

// Query returns the active path filter.
func (m Model) Query() string { return m.query }

func (m *Model) clampSelection() {
	if m.selected >= len(m.segments) {
		m.selected = len(m.segments) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

// Selected returns the highlighted segment, if any.
func (m Model) Selected() (shm.Listing, bool) {
	if len(m.segments) == 0 {
		return shm.Listing{}, false
	}
	return m.segments[m.selected], true
}

// View renders the segment list and the detail of the selected segment.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("swmrctl watch"))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(m.cfg.Dir))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}

	if m.searching {
		b.WriteString(m.search.View())
		b.WriteString("\n\n")
	} else if m.query != "" {
		b.WriteString(warningStyle.Render("filter: " + m.query))
		b.WriteString("\n\n")
	}

	if len(m.segments) == 0 {
		b.WriteString(mutedStyle.Render("No coordination segments."))
		b.WriteString("\n")
	} else {
		b.WriteString(m.renderList())
		b.WriteString("\n")
		if sel, ok := m.Selected(); ok {
			b.WriteString(m.renderDetail(sel))
			b.WriteString("\n")
		}
	}

	help := "↑/↓ select • / filter • r reload • q quit"
	if m.searching {
		help = "enter apply • esc cancel"
	}
	if !m.loadedAt.IsZero() {
		help += " • updated " + m.loadedAt.Format("15:04:05")
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func (m Model) renderList() string {
	lines := make([]string, 0, len(m.segments))
	for i, l := range m.segments {
		var line string
		if l.Err != nil {
			line = fmt.Sprintf("%s  %s", l.Name, errorStyle.Render(l.Err.Error()))
		} else {
			path := l.State.Path
			if m.width > 40 {
				path = util.TruncatePath(path, m.width-30)
			}
			line = fmt.Sprintf("%-12s %d readers  %s",
				l.State.WriterState, l.State.ActiveReaders, path)
		}
		if m.width > 4 {
			line = util.TruncateANSI(line, m.width-4)
		}
		if i == m.selected {
			lines = append(lines, selectedStyle.Render(line))
		} else {
			lines = append(lines, itemStyle.Render(line))
		}
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderDetail(l shm.Listing) string {
	if l.Err != nil {
		return panelStyle.Render(l.Name + "\n" + errorStyle.Render(l.Err.Error()))
	}
	st := l.State
	now := m.loadedAt
	if now.IsZero() {
		now = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(st.Path))
	fmt.Fprintf(&b, "segment       %s\n", l.Name)
	fmt.Fprintf(&b, "writer        %s\n", writerStateStyle(st.WriterState).Render(st.WriterState.String()))
	fmt.Fprintf(&b, "readers       %d\n", st.ActiveReaders)
	flush := "no"
	if st.FlushRequest {
		flush = warningStyle.Render("requested")
	}
	fmt.Fprintf(&b, "flush         %s\n", flush)
	fmt.Fprintf(&b, "references    %d\n", st.RefCount)
	fmt.Fprintf(&b, "sequence      %d\n", st.Seq)
	fmt.Fprintf(&b, "processes     %d/%d\n", len(st.Processes), st.MaxProcesses)

	for _, p := range st.Processes {
		age := p.Age(now)
		ageText := age.Truncate(time.Millisecond).String()
		if m.cfg.StaleThreshold > 0 && age > m.cfg.StaleThreshold {
			ageText = errorStyle.Render(ageText + " stale")
		}
		fmt.Fprintf(&b, "  %s %-6s %s pid %d  %s\n",
			mutedStyle.Render(util.ShortID(p.UUID.String())),
			p.Role,
			phaseStyle(p.Phase).Render(fmt.Sprintf("%-10s", p.Phase)),
			p.PID,
			ageText,
		)
	}

	style := panelStyle
	if m.width > 4 {
		style = style.Width(m.width - 4)
	}
	return style.Render(strings.TrimRight(b.String(), "\n"))
}

var _ tea.Model = Model{}
