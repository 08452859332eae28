package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/event"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
	"github.com/Iron-Ham/swmrcoord/internal/swmr"
)

var catCmd = &cobra.Command{
	Use:   "cat <file>",
	Short: "Print the records of a file as a reader",
	Long: `Open a file as a reader and print its records.

With --follow the reader stays open: it asks the writer to flush every
--request-interval and prints new records as each refresh arrives. It
stops when the writer closes, when a new writer asks readers to close, or
on Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: runCat,
}

var (
	catFollow          bool
	catRequestInterval time.Duration
)

func init() {
	rootCmd.AddCommand(catCmd)
	catCmd.Flags().BoolVarP(&catFollow, "follow", "f", false, "keep reading records as the writer flushes them")
	catCmd.Flags().DurationVar(&catRequestInterval, "request-interval", time.Second, "how often to request a flush while following")
}

func runCat(cmd *cobra.Command, args []string) error {
	if catFollow && catRequestInterval <= 0 {
		return fmt.Errorf("--request-interval must be positive")
	}

	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	r, err := swmr.OpenReader(ctx, args[0], env.opts...)
	if err != nil {
		return err
	}

	runErr := catRecords(ctx, r, cmd.OutOrStdout(), cmd.ErrOrStderr())
	closeErr := r.Close()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, closeErr)
}

func catRecords(ctx context.Context, r *swmr.Reader, out, status io.Writer) error {
	rec, ok := r.Handle().(*storage.RecordHandle)
	if !ok {
		return fmt.Errorf("cat: backend handle %T does not expose records", r.Handle())
	}

	next := printRecords(out, rec, 0)
	if !catFollow {
		return nil
	}

	ticker := time.NewTicker(catRequestInterval)
	defer ticker.Stop()
	if _, err := r.RequestFlush(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if _, err := r.RequestFlush(); err != nil {
				return err
			}

		case ev, open := <-r.Events():
			if !open {
				return nil
			}
			switch e := ev.(type) {
			case event.RefreshEvent:
				if err := r.Refresh(); err != nil {
					return err
				}
				next = printRecords(out, rec, next)
				if e.Reason == event.RefreshWriterClosed {
					fmt.Fprintln(status, "writer closed")
					return nil
				}
			case event.CloseRequestedEvent:
				fmt.Fprintln(status, "a writer asked readers to close")
				return nil
			}
		}
	}
}

// printRecords prints records from index from on and returns the index of
// the next unseen record.
func printRecords(w io.Writer, rec *storage.RecordHandle, from int) int {
	records := rec.Records(from)
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Time.Format(time.RFC3339Nano), r.Name, r.Data)
	}
	return from + len(records)
}
