package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
)

var removeCmd = &cobra.Command{
	Use:     "rm <file>...",
	Aliases: []string{"remove"},
	Short:   "Force-remove the coordination segment of data files",
	Long: `Unlink the coordination segment of one or more data files.

Segments are removed automatically when the last client detaches. Use this
only to clear a segment left behind by processes that were killed, or one
that no longer decodes. Clients still attached keep running on their own
copy and stop coordinating with clients that attach afterwards.

Without --force a segment that still has live processes is left alone.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemove,
}

var removeForce bool

func init() {
	rootCmd.AddCommand(removeCmd)
	removeCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "remove even when processes are registered and alive")
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Paths.ResolveShmDir()
	paths, err := canonicalPaths(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	stale := cfg.Heartbeat.StaleThreshold()
	var errs []error
	for _, p := range paths {
		if !removeForce {
			if live := liveProcesses(dir, p, stale); live > 0 {
				errs = append(errs, fmt.Errorf("%s: %d live process(es) attached, use --force to remove anyway", p, live))
				continue
			}
		}
		if err := shm.Remove(dir, p); err != nil {
			if errors.Is(err, errors.ErrSegmentNotFound) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: no coordination segment\n", p)
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		fmt.Fprintf(out, "removed %s (%s)\n", shm.SegmentName(p), p)
	}
	return errors.Join(errs...)
}

// liveProcesses counts the entries of p's segment that heartbeated within
// stale. Unreadable segments count as having none.
func liveProcesses(dir, p string, stale time.Duration) int {
	st, err := shm.Inspect(dir, p)
	if err != nil {
		return 0
	}
	now := time.Now()
	n := 0
	for _, proc := range st.Processes {
		if proc.Age(now) <= stale {
			n++
		}
	}
	return n
}
