package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <file>...",
	Short: "Print the coordination state of data files",
	Long: `Print the shared coordination state of one or more data files: the
writer state, reader count, flush request, references and every registered
process with the age of its last heartbeat.

The state is read under the segment lock, so it is always consistent.

Examples:
  swmrctl dump /data/run.rec
  swmrctl dump --format json /data/*.rec`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDump,
}

var dumpFormat string

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().StringVarP(&dumpFormat, "format", "o", formatTable, "output format: table, yaml, json or toon")
}

func runDump(cmd *cobra.Command, args []string) error {
	if err := checkFormat(dumpFormat); err != nil {
		return err
	}
	dir, err := shmDir()
	if err != nil {
		return err
	}
	paths, err := canonicalPaths(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	views, missing := collectSegments(dir, paths, time.Now())

	if dumpFormat != formatTable {
		if err := writeStructured(out, views, dumpFormat); err != nil {
			return err
		}
	} else {
		color := colorEnabled(out)
		for i, v := range views {
			if i > 0 {
				fmt.Fprintln(out)
			}
			if err := writeSegmentTable(out, v, color); err != nil {
				return err
			}
		}
	}

	for _, p := range missing {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: no coordination segment (file not open by any client)\n", p)
	}
	if len(missing) > 0 && len(views) == 0 {
		return errors.ErrSegmentNotFound
	}
	return nil
}

// collectSegments inspects the segment of every path. Paths without a
// segment are returned separately; unreadable segments become views with
// Error set.
func collectSegments(dir string, paths []string, now time.Time) ([]segmentView, []string) {
	var views []segmentView
	var missing []string
	for _, p := range paths {
		st, err := shm.Inspect(dir, p)
		switch {
		case errors.Is(err, errors.ErrSegmentNotFound):
			missing = append(missing, p)
		case err != nil:
			views = append(views, segmentView{Segment: shm.SegmentName(p), File: p, Error: err.Error()})
		default:
			views = append(views, newSegmentView(shm.SegmentName(p), st, now))
		}
	}
	return views, missing
}

// printSegment writes a single segment in format; used by commands that
// show state after acting on a file.
func printSegment(w io.Writer, v segmentView, format string) error {
	if format == formatTable {
		return writeSegmentTable(w, v, colorEnabled(w))
	}
	return writeStructured(w, v, format)
}
