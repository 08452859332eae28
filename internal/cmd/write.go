package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
	"github.com/Iron-Ham/swmrcoord/internal/swmr"
)

var writeCmd = &cobra.Command{
	Use:   "write <file>",
	Short: "Run a demo writer that appends records to a file",
	Long: `Open a file as the writer and append a numbered record every interval.

The writer waits for any other writer to finish and for open readers to
close. With --swmr it switches to concurrent-read mode once the file is
created so readers (swmrctl cat, swmrctl flush) can join while it writes.
Flush requests from readers are served between records.

Stops after --count records, or on Ctrl-C; --count 0 writes until
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWrite,
}

var (
	writeCount    int
	writeInterval time.Duration
	writeSwmr     bool
	writePrefix   string
)

func init() {
	rootCmd.AddCommand(writeCmd)
	writeCmd.Flags().IntVarP(&writeCount, "count", "n", 10, "number of records to write, 0 for unlimited")
	writeCmd.Flags().DurationVarP(&writeInterval, "interval", "i", 500*time.Millisecond, "delay between records")
	writeCmd.Flags().BoolVar(&writeSwmr, "swmr", false, "enable concurrent-read mode after creating the file")
	writeCmd.Flags().StringVar(&writePrefix, "name", "record", "record name prefix")
}

func runWrite(cmd *cobra.Command, args []string) error {
	if writeCount < 0 {
		return fmt.Errorf("--count must not be negative")
	}
	if writeInterval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	w, err := swmr.OpenWriter(ctx, args[0], env.opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "writer %s holds %s\n", w.ID(), w.Path())

	runErr := writeLoop(ctx, w, out)
	closeErr := w.Close()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, closeErr)
}

func writeLoop(ctx context.Context, w *swmr.Writer, out io.Writer) error {
	rec, ok := w.Handle().(*storage.RecordHandle)
	if !ok {
		return fmt.Errorf("write: backend handle %T does not support appending records", w.Handle())
	}

	if writeSwmr {
		if err := w.EnableConcurrentReadMode(); err != nil {
			return err
		}
		fmt.Fprintln(out, "concurrent-read mode enabled")
	}

	ticker := time.NewTicker(writeInterval)
	defer ticker.Stop()

	for i := 0; writeCount == 0 || i < writeCount; i++ {
		name := fmt.Sprintf("%s-%d", writePrefix, i)
		payload := fmt.Sprintf("%s written at %s", name, time.Now().Format(time.RFC3339Nano))
		if err := rec.Append(name, []byte(payload)); err != nil {
			return err
		}
		fmt.Fprintf(out, "appended %s\n", name)

		flushed, err := w.FlushIfRequested()
		if err != nil {
			return err
		}
		if flushed {
			fmt.Fprintln(out, "flushed on request")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
