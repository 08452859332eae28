package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/tidwall/pretty"
	"github.com/toon-format/toon-go"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/swmrcoord/internal/shm"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
	formatTOON  = "toon"
)

func validFormats() []string {
	return []string{formatTable, formatYAML, formatJSON, formatTOON}
}

func checkFormat(format string) error {
	for _, f := range validFormats() {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("unknown format %q (valid: %s)", format, strings.Join(validFormats(), ", "))
}

// segmentView is the printable form of a segment.
type segmentView struct {
	Segment       string        `json:"segment" yaml:"segment"`
	File          string        `json:"file" yaml:"file"`
	WriterState   string        `json:"writer_state" yaml:"writer_state"`
	ActiveReaders uint32        `json:"active_readers" yaml:"active_readers"`
	FlushRequest  bool          `json:"flush_request" yaml:"flush_request"`
	RefCount      uint32        `json:"ref_count" yaml:"ref_count"`
	Seq           uint64        `json:"seq" yaml:"seq"`
	MaxProcesses  int           `json:"max_processes" yaml:"max_processes"`
	Processes     []processView `json:"processes" yaml:"processes"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`
}

type processView struct {
	UUID      string    `json:"uuid" yaml:"uuid"`
	PID       int       `json:"pid" yaml:"pid"`
	Role      string    `json:"role" yaml:"role"`
	Phase     string    `json:"phase" yaml:"phase"`
	LastAlive time.Time `json:"last_alive" yaml:"last_alive"`
	AgeMs     int64     `json:"age_ms" yaml:"age_ms"`
}

func newSegmentView(name string, st *shm.State, now time.Time) segmentView {
	v := segmentView{
		Segment:       name,
		File:          st.Path,
		WriterState:   st.WriterState.String(),
		ActiveReaders: st.ActiveReaders,
		FlushRequest:  st.FlushRequest,
		RefCount:      st.RefCount,
		Seq:           st.Seq,
		MaxProcesses:  st.MaxProcesses,
		Processes:     make([]processView, 0, len(st.Processes)),
	}
	for _, p := range st.Processes {
		v.Processes = append(v.Processes, processView{
			UUID:      p.UUID.String(),
			PID:       p.PID,
			Role:      p.Role.String(),
			Phase:     p.Phase.String(),
			LastAlive: p.LastAlive,
			AgeMs:     p.Age(now).Milliseconds(),
		})
	}
	return v
}

// colorEnabled reports whether w is a terminal that should get colour.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// writeStructured encodes v in one of the machine-readable formats.
func writeStructured(w io.Writer, v any, format string) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()

	case formatJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = pretty.Pretty(data)
		if colorEnabled(w) {
			data = pretty.Color(data, nil)
		}
		_, err = w.Write(data)
		return err

	case formatTOON:
		// Round-trip through JSON so toon sees the same field names.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		out, err := toon.Marshal(generic)
		if err != nil {
			return err
		}
		if _, err := w.Write(out); err != nil {
			return err
		}
		_, err = io.WriteString(w, "\n")
		return err
	}
	return checkFormat(format)
}

type tableStyles struct {
	title  lipgloss.Style
	label  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	warn   lipgloss.Style
	border lipgloss.Style
}

func newTableStyles(color bool) tableStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return tableStyles{title: plain, label: plain, header: plain, cell: plain.Padding(0, 1), warn: plain, border: plain}
	}
	return tableStyles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		header: lipgloss.NewStyle().Bold(true).Padding(0, 1),
		cell:   lipgloss.NewStyle().Padding(0, 1),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		border: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// writeSegmentTable prints one segment as a summary block followed by a
// table of its registered processes.
func writeSegmentTable(w io.Writer, v segmentView, color bool) error {
	s := newTableStyles(color)

	var b strings.Builder
	b.WriteString(s.title.Render(v.File))
	b.WriteString("\n")
	summary := [][2]string{
		{"segment", v.Segment},
		{"writer state", v.WriterState},
		{"active readers", strconv.FormatUint(uint64(v.ActiveReaders), 10)},
		{"flush request", strconv.FormatBool(v.FlushRequest)},
		{"references", strconv.FormatUint(uint64(v.RefCount), 10)},
		{"sequence", strconv.FormatUint(v.Seq, 10)},
		{"processes", fmt.Sprintf("%d/%d", len(v.Processes), v.MaxProcesses)},
	}
	for _, kv := range summary {
		fmt.Fprintf(&b, "  %s %s\n", s.label.Render(fmt.Sprintf("%-15s", kv[0]+":")), kv[1])
	}

	if len(v.Processes) > 0 {
		rows := make([][]string, 0, len(v.Processes))
		for _, p := range v.Processes {
			rows = append(rows, []string{
				p.UUID, strconv.Itoa(p.PID), p.Role, p.Phase,
				(time.Duration(p.AgeMs) * time.Millisecond).String(),
			})
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(s.border).
			Headers("UUID", "PID", "ROLE", "PHASE", "AGE").
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return s.header
				}
				return s.cell
			})
		b.WriteString(t.Render())
		b.WriteString("\n")
	}
	if v.Error != "" {
		b.WriteString(s.warn.Render("error: " + v.Error))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
