package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch [pattern]",
	Short: "Watch coordination segments live",
	Long: `Open a full-screen view of every coordination segment in the shm
directory, refreshed every --interval. Process entries whose heartbeat is
older than the configured stale threshold are highlighted.

An optional glob pattern filters by data file path, as for ls. Inside the
view, / narrows the list further by path substring.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var watchInterval time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 500*time.Millisecond, "refresh interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("watch needs a terminal; use 'swmrctl ls' or 'swmrctl dump' instead")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	wc := tui.Config{
		Dir:            cfg.Paths.ResolveShmDir(),
		Interval:       watchInterval,
		StaleThreshold: cfg.Heartbeat.StaleThreshold(),
	}
	if w, h, err := term.GetSize(os.Stdout.Fd()); err == nil {
		wc.Width, wc.Height = w, h
	}
	if len(args) == 1 {
		g, err := glob.Compile(args[0], '/')
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", args[0], err)
		}
		wc.Filter = g.Match
	}
	return tui.Run(wc)
}
