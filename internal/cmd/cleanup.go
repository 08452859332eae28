package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
)

// CleanupResult holds the stale resources found in a shm directory.
type CleanupResult struct {
	StaleEntries []StaleEntry
	Corrupted    []string
}

// StaleEntry is a registered process whose heartbeat stopped.
type StaleEntry struct {
	Segment string
	File    string
	Process shm.ProcessInfo
	Age     time.Duration
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reap crashed processes from coordination segments",
	Long: `Cleanup reaps registry entries whose heartbeat is older than the
stale threshold, undoing the counter changes each one had made: a crashed
reader leaves the reader count, a crashed writer releases the writer state.

Live clients do this on their own; cleanup is for segments every client
of which has died. A segment left with no references is removed.

With --corrupted, segments that no longer decode are removed as well.

Use --dry-run to see what would be cleaned up without making changes.`,
	RunE: runCleanup,
}

var (
	cleanupDryRun    bool
	cleanupForce     bool
	cleanupCorrupted bool
	cleanupStale     time.Duration
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be cleaned up without making changes")
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupCorrupted, "corrupted", false, "Also remove segments that cannot be decoded")
	cleanupCmd.Flags().DurationVar(&cleanupStale, "stale", 0, "Stale threshold (default: heartbeat.stale_threshold_ms)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Paths.ResolveShmDir()
	threshold := cleanupStale
	if threshold <= 0 {
		threshold = cfg.Heartbeat.StaleThreshold()
	}
	out := cmd.OutOrStdout()

	result, err := discoverStaleResources(dir, threshold, time.Now())
	if err != nil {
		return fmt.Errorf("failed to discover stale resources: %w", err)
	}

	hasWork := len(result.StaleEntries) > 0 || (cleanupCorrupted && len(result.Corrupted) > 0)
	if !hasWork {
		fmt.Fprintln(out, "No stale resources found. Nothing to clean up.")
		return nil
	}

	printCleanupSummary(out, result)

	if cleanupDryRun {
		fmt.Fprintln(out, "\nDry run mode - no changes made.")
		return nil
	}

	if !cleanupForce {
		fmt.Fprint(out, "\nProceed with cleanup? [y/N] ")
		reader := bufio.NewReader(cmd.InOrStdin())
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Cleanup cancelled.")
			return nil
		}
	}

	return performCleanup(out, dir, result, threshold)
}

// discoverStaleResources scans dir for stale entries and undecodable segments.
func discoverStaleResources(dir string, threshold time.Duration, now time.Time) (*CleanupResult, error) {
	listings, err := shm.List(dir)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{}
	for _, l := range listings {
		if l.Err != nil {
			if errors.Is(l.Err, errors.ErrSegmentCorrupted) {
				result.Corrupted = append(result.Corrupted, l.Name)
			}
			continue
		}
		for _, p := range l.State.Processes {
			if age := p.Age(now); age > threshold {
				result.StaleEntries = append(result.StaleEntries, StaleEntry{
					Segment: l.Name,
					File:    l.State.Path,
					Process: p,
					Age:     age,
				})
			}
		}
	}
	return result, nil
}

func printCleanupSummary(w io.Writer, result *CleanupResult) {
	if len(result.StaleEntries) > 0 {
		fmt.Fprintf(w, "\nStale processes (%d):\n", len(result.StaleEntries))
		for _, e := range result.StaleEntries {
			fmt.Fprintf(w, "  %s  %s pid %d %s, last seen %s ago\n",
				e.File, e.Process.Role, e.Process.PID, e.Process.Phase, e.Age.Truncate(time.Millisecond))
		}
	}
	if cleanupCorrupted && len(result.Corrupted) > 0 {
		fmt.Fprintf(w, "\nCorrupted segments (%d):\n", len(result.Corrupted))
		for _, name := range result.Corrupted {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
}

// performCleanup reaps each affected file once. ReapStale re-checks ages
// under the lock, so an entry that heartbeated since discovery survives.
func performCleanup(w io.Writer, dir string, result *CleanupResult, threshold time.Duration) error {
	var errs []error
	seen := make(map[string]bool)
	for _, e := range result.StaleEntries {
		if seen[e.File] {
			continue
		}
		seen[e.File] = true

		reaped, removed, err := shm.ReapStale(dir, e.File, threshold)
		if err != nil {
			if errors.Is(err, errors.ErrSegmentNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", e.File, err))
			continue
		}
		for _, p := range reaped {
			fmt.Fprintf(w, "Reaped %s pid %d from %s\n", p.Role, p.PID, e.File)
		}
		if removed {
			fmt.Fprintf(w, "Removed segment %s\n", e.Segment)
		}
	}

	if cleanupCorrupted {
		for _, name := range result.Corrupted {
			if err := shm.RemoveSegment(dir, name); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			fmt.Fprintf(w, "Removed corrupted segment %s\n", name)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	fmt.Fprintln(w, "\nCleanup complete.")
	return nil
}
