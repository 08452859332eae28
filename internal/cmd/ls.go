package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/shm"
)

var lsCmd = &cobra.Command{
	Use:   "ls [pattern]",
	Short: "List coordination segments",
	Long: `List every coordination segment in the shm directory with the data
file it coordinates and a summary of its state.

An optional glob pattern filters by data file path; ** matches across
directories.

Examples:
  swmrctl ls
  swmrctl ls '/data/**/*.rec'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var lsFormat string

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().StringVarP(&lsFormat, "format", "o", formatTable, "output format: table, yaml, json or toon")
}

func runLs(cmd *cobra.Command, args []string) error {
	if err := checkFormat(lsFormat); err != nil {
		return err
	}

	var matcher glob.Glob
	if len(args) == 1 {
		g, err := glob.Compile(args[0], '/')
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", args[0], err)
		}
		matcher = g
	}

	dir, err := shmDir()
	if err != nil {
		return err
	}
	listings, err := shm.List(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	views := filterListings(listings, matcher, time.Now())
	out := cmd.OutOrStdout()
	if lsFormat != formatTable {
		return writeStructured(out, views, lsFormat)
	}
	if len(views) == 0 {
		fmt.Fprintf(out, "No coordination segments in %s\n", dir)
		return nil
	}
	return writeListTable(out, views, colorEnabled(out))
}

// filterListings converts listings to views, keeping those whose data file
// matches m. Unreadable segments have no known path and only survive an
// empty filter.
func filterListings(listings []shm.Listing, m glob.Glob, now time.Time) []segmentView {
	views := make([]segmentView, 0, len(listings))
	for _, l := range listings {
		if l.Err != nil {
			if m == nil {
				views = append(views, segmentView{Segment: l.Name, Error: l.Err.Error()})
			}
			continue
		}
		if m != nil && !m.Match(l.State.Path) {
			continue
		}
		views = append(views, newSegmentView(l.Name, l.State, now))
	}
	return views
}

func writeListTable(w io.Writer, views []segmentView, color bool) error {
	s := newTableStyles(color)
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		if v.Error != "" {
			rows = append(rows, []string{v.Segment, "?", "?", "?", "?", s.warn.Render(v.Error)})
			continue
		}
		rows = append(rows, []string{
			v.Segment,
			v.WriterState,
			strconv.FormatUint(uint64(v.ActiveReaders), 10),
			strconv.FormatBool(v.FlushRequest),
			strconv.Itoa(len(v.Processes)),
			v.File,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.border).
		Headers("SEGMENT", "WRITER", "READERS", "FLUSH", "PROCS", "FILE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.header
			}
			return s.cell
		})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
