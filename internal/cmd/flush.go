package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/event"
	"github.com/Iron-Ham/swmrcoord/internal/swmr"
)

var flushCmd = &cobra.Command{
	Use:   "flush <file>...",
	Short: "Ask the writer of each file to flush",
	Long: `Join each file as a reader, request a flush and wait until the writer
has flushed. Prints one line per file: 1 when the flush was observed, 0 when
it was not (no writer in concurrent-read mode, or the timeout expired).

The command blocks while a writer holds a file exclusively, since a reader
cannot join until the writer enables concurrent-read mode or closes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFlush,
}

var flushTimeout time.Duration

func init() {
	rootCmd.AddCommand(flushCmd)
	flushCmd.Flags().DurationVarP(&flushTimeout, "timeout", "t", 10*time.Second, "how long to wait for each file, 0 waits forever")
}

func runFlush(cmd *cobra.Command, args []string) error {
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	var errs []error
	for _, path := range args {
		ok, err := flushOne(ctx, path, env.opts)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			errs = append(errs, err)
		}
		if ok {
			fmt.Fprintf(out, "1 %s\n", path)
		} else {
			fmt.Fprintf(out, "0 %s\n", path)
		}
	}
	return errors.Join(errs...)
}

// flushOne opens path as a reader, requests a flush and waits for the
// resulting refresh event. A writer that closes also counts, since closing
// flushes.
func flushOne(ctx context.Context, path string, opts []swmr.Option) (bool, error) {
	if flushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}

	r, err := swmr.OpenReader(ctx, path, opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	defer r.Close()

	swmrWriter, err := r.RequestFlush()
	if err != nil {
		return false, err
	}
	if !swmrWriter {
		return false, nil
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		case ev, open := <-r.Events():
			if !open {
				return false, nil
			}
			switch ev.(type) {
			case event.RefreshEvent:
				return true, r.Refresh()
			case event.CloseRequestedEvent:
				return false, nil
			}
		}
	}
}
