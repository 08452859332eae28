package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/Iron-Ham/swmrcoord/internal/shm"
	"github.com/Iron-Ham/swmrcoord/internal/testutil"
)

func listing(name, path string, ws shm.WriterState, readers uint32) shm.Listing {
	st := shm.NewState(path, 4)
	st.WriterState = ws
	st.ActiveReaders = readers
	return shm.Listing{Name: name, State: st}
}

func loaded(m Model, segments ...shm.Listing) Model {
	next, _ := m.Update(segmentsMsg{segments: segments, at: time.Now()})
	return next.(Model)
}

func key(m Model, k string) (Model, tea.Cmd) {
	var msg tea.KeyMsg
	switch k {
	case "up":
		msg = tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		msg = tea.KeyMsg{Type: tea.KeyEsc}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestModelSelection(t *testing.T) {
	m := loaded(New(Config{Dir: "/tmp/shm"}),
		listing("swmr_a", "/data/a", shm.WriterNone, 0),
		listing("swmr_b", "/data/b", shm.WriterSwmr, 2),
		listing("swmr_c", "/data/c", shm.WriterActive, 0),
	)

	tests := []struct {
		name string
		keys []string
		want string
	}{
		{name: "starts at first", keys: nil, want: "swmr_a"},
		{name: "down moves", keys: []string{"down"}, want: "swmr_b"},
		{name: "j moves", keys: []string{"j", "j"}, want: "swmr_c"},
		{name: "stops at last", keys: []string{"down", "down", "down", "down"}, want: "swmr_c"},
		{name: "up stops at first", keys: []string{"up", "k"}, want: "swmr_a"},
		{name: "down then up", keys: []string{"down", "down", "up"}, want: "swmr_b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := m
			for _, k := range tt.keys {
				cur, _ = key(cur, k)
			}
			sel, ok := cur.Selected()
			if !ok {
				t.Fatal("Selected() reported no selection")
			}
			if sel.Name != tt.want {
				t.Errorf("selected %q, want %q", sel.Name, tt.want)
			}
		})
	}
}

func TestModelSelectionClampedOnShrink(t *testing.T) {
	m := loaded(New(Config{}),
		listing("swmr_a", "/data/a", shm.WriterNone, 0),
		listing("swmr_b", "/data/b", shm.WriterNone, 0),
	)
	m, _ = key(m, "down")

	m = loaded(m, listing("swmr_a", "/data/a", shm.WriterNone, 0))
	sel, ok := m.Selected()
	if !ok || sel.Name != "swmr_a" {
		t.Errorf("after shrink selected %q (ok=%v), want swmr_a", sel.Name, ok)
	}

	m = loaded(m)
	if _, ok := m.Selected(); ok {
		t.Error("Selected() on empty list should report false")
	}
}

func TestModelQuit(t *testing.T) {
	for _, k := range []string{"q", "esc"} {
		t.Run(k, func(t *testing.T) {
			var msg tea.KeyMsg
			if k == "esc" {
				msg = tea.KeyMsg{Type: tea.KeyEsc}
			} else {
				msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
			}
			_, cmd := New(Config{}).Update(msg)
			if cmd == nil {
				t.Fatal("expected a command")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Errorf("expected tea.QuitMsg")
			}
		})
	}
}

func TestModelSearch(t *testing.T) {
	m := loaded(New(Config{}),
		listing("swmr_a", "/data/a.rec", shm.WriterNone, 0),
		listing("swmr_b", "/data/b.rec", shm.WriterNone, 0),
		listing("swmr_q", "/data/q.rec", shm.WriterNone, 0),
	)

	m, _ = key(m, "/")
	m, _ = key(m, "q")
	if !strings.Contains(m.View(), "enter apply") {
		t.Fatal("typing q while searching must stay in the search prompt")
	}
	m, _ = key(m, "enter")

	if got := m.Query(); got != "q" {
		t.Fatalf("Query() = %q, want %q", got, "q")
	}
	sel, ok := m.Selected()
	if !ok || sel.Name != "swmr_q" {
		t.Errorf("selected %q (ok=%v), want swmr_q", sel.Name, ok)
	}
	if !strings.Contains(m.View(), "filter: q") {
		t.Errorf("view should show the active filter:\n%s", m.View())
	}

	// A reload keeps the filter applied.
	m = loaded(m,
		listing("swmr_a", "/data/a.rec", shm.WriterNone, 0),
		listing("swmr_q", "/data/q.rec", shm.WriterSwmr, 1),
	)
	if sel, _ := m.Selected(); sel.Name != "swmr_q" {
		t.Errorf("after reload selected %q, want swmr_q", sel.Name)
	}

	// Esc clears the filter before it quits.
	m, cmd := key(m, "esc")
	if cmd != nil {
		t.Fatal("esc with an active filter should only clear it")
	}
	if m.Query() != "" {
		t.Errorf("Query() = %q after esc", m.Query())
	}
	m, _ = key(m, "down")
	if sel, _ := m.Selected(); sel.Name != "swmr_q" {
		t.Errorf("unfiltered list should hold both segments, selected %q", sel.Name)
	}
}

func TestModelLoadErrorKeepsSegments(t *testing.T) {
	m := loaded(New(Config{}), listing("swmr_a", "/data/a", shm.WriterSwmr, 1))

	next, _ := m.Update(segmentsMsg{err: errors.New("boom"), at: time.Now()})
	m = next.(Model)

	if _, ok := m.Selected(); !ok {
		t.Fatal("segments should survive a failed reload")
	}
	view := m.View()
	if !strings.Contains(view, "boom") {
		t.Errorf("view should show the load error, got:\n%s", view)
	}
}

func TestModelView(t *testing.T) {
	l := listing("swmr_b", "/data/b.rec", shm.WriterSwmr, 2)
	l.State.FlushRequest = true
	l.State.Processes = append(l.State.Processes,
		shm.ProcessInfo{UUID: uuid.New(), PID: 42, Role: shm.RoleWriter, Phase: shm.PhaseHolding, LastAlive: time.Now()},
		shm.ProcessInfo{UUID: uuid.New(), PID: 43, Role: shm.RoleReader, Phase: shm.PhaseHolding, LastAlive: time.Now().Add(-time.Minute)},
	)
	m := loaded(New(Config{Dir: "/tmp/shm", StaleThreshold: 3 * time.Second}), l)

	view := m.View()
	for _, want := range []string{"/tmp/shm", "/data/b.rec", "Swmr", "requested", "pid 42", "pid 43", "stale", "q quit"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModelViewEmpty(t *testing.T) {
	view := New(Config{Dir: "/tmp/shm"}).View()
	if !strings.Contains(view, "No coordination segments") {
		t.Errorf("empty view = %q", view)
	}
}

func TestModelLoadFilters(t *testing.T) {
	dir := testutil.TempShmDir(t)
	n := shm.NewNotifier()
	t.Cleanup(n.Close)
	for _, p := range []string{"/data/keep.rec", "/data/drop.rec"} {
		seg, err := shm.Attach(dir, p, 4, n)
		if err != nil {
			t.Fatalf("Attach(%s): %v", p, err)
		}
		t.Cleanup(func() { _ = seg.Abandon() })
	}

	m := New(Config{Dir: dir, Filter: func(p string) bool { return strings.HasSuffix(p, "keep.rec") }})
	msg, ok := m.load()().(segmentsMsg)
	if !ok {
		t.Fatal("load() did not return segmentsMsg")
	}
	if msg.err != nil {
		t.Fatalf("load error: %v", msg.err)
	}
	if len(msg.segments) != 1 || msg.segments[0].State.Path != "/data/keep.rec" {
		t.Errorf("filtered segments = %+v", msg.segments)
	}
}
