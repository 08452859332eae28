package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/swmrcoord/internal/logging"
	"github.com/Iron-Ham/swmrcoord/internal/util"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View client logs",
	Long: `View and filter the log written by swmrctl clients.

Reads logging.file from the configuration; clients that log to stderr
leave nothing to view. Use flags to filter and format the output.

Examples:
  # Show the last 50 lines
  swmrctl logs

  # Follow logs in real-time
  swmrctl logs -f

  # Only warnings and errors about one data file
  swmrctl logs --level warn --file /data/run.rec

  # Show logs from the last hour
  swmrctl logs --since 1h

  # Search for specific patterns
  swmrctl logs --grep "reaped|blocked"`,
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsFile   string
	logsClient string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsFile, "file", "", "Only entries about this data file")
	logsCmd.Flags().StringVar(&logsClient, "client", "", "Only entries of this client ID (prefix match)")
}

// logEntry represents a parsed JSON log line
type logEntry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Msg      string         `json:"msg"`
	File     string         `json:"file,omitempty"`
	Role     string         `json:"role,omitempty"`
	ClientID string         `json:"client_id,omitempty"`
	Extra    map[string]any `json:"-"`
}

// UnmarshalJSON implements custom unmarshaling to capture extra fields
func (e *logEntry) UnmarshalJSON(data []byte) error {
	type Alias logEntry
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"time", "level", "msg", "file", "role", "client_id"} {
		delete(all, k)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// levelColor returns the ANSI color code for a log level
func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

// logFilter holds the parsed filter flags.
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
	file     string
	client   string
}

// passes checks if a log entry passes all filter criteria
func (f *logFilter) passes(entry *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(entry.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && entry.Time.Before(f.since) {
		return false
	}
	if f.file != "" && entry.File != f.file {
		return false
	}
	if f.client != "" && !strings.HasPrefix(entry.ClientID, f.client) {
		return false
	}
	if f.grep != nil {
		searchText := entry.Msg
		for _, v := range entry.Extra {
			searchText += " " + fmt.Sprintf("%v", v)
		}
		if !f.grep.MatchString(searchText) {
			return false
		}
	}
	return true
}

// formatLogEntry formats a log entry for terminal output. Extra fields are
// printed in key order.
func formatLogEntry(entry *logEntry, color bool) string {
	paint := func(c, s string) string {
		if !color {
			return s
		}
		return c + s + colorReset
	}

	var sb strings.Builder
	sb.WriteString(paint(colorGray, "["+entry.Time.Format("15:04:05.000")+"]"))
	sb.WriteString(" ")
	sb.WriteString(paint(levelColor(entry.Level), "["+strings.ToUpper(entry.Level)+"]"))
	sb.WriteString(" ")
	sb.WriteString(entry.Msg)

	if entry.Role != "" {
		sb.WriteString(" ")
		sb.WriteString(paint(colorCyan, "role="+entry.Role))
	}
	if entry.ClientID != "" {
		sb.WriteString(" ")
		sb.WriteString(paint(colorCyan, "client="+util.ShortID(entry.ClientID)))
	}
	if entry.File != "" {
		sb.WriteString(" ")
		sb.WriteString(paint(colorCyan, "file="+entry.File))
	}

	keys := make([]string, 0, len(entry.Extra))
	for k := range entry.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(paint(colorCyan, k+"="))
		sb.WriteString(fmt.Sprintf("%v", entry.Extra[k]))
	}

	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	logPath := cfg.Logging.File
	if logPath == "" {
		fmt.Fprintln(out, "Logging to a file is not configured (logging.file); clients log to stderr.")
		return nil
	}
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No logs found at %s\n", logPath)
		return nil
	}

	filter := &logFilter{minLevel: -1, client: logsClient}
	if logsLevel != "" {
		filter.minLevel = levelPriority(logging.ParseLevel(logsLevel))
	}
	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.since = time.Now().Add(-duration)
	}
	if logsGrep != "" {
		filter.grep, err = regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
	}
	if logsFile != "" {
		paths, err := canonicalPaths([]string{logsFile})
		if err != nil {
			return err
		}
		filter.file = paths[0]
	}

	color := colorEnabled(out)
	if logsFollow {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return followLogs(ctx, out, logPath, filter, color)
	}
	return displayLogs(out, logPath, logsTail, filter, color)
}

// displayLogs reads the log file and displays filtered entries
func displayLogs(out io.Writer, logPath string, tail int, filter *logFilter, color bool) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially long log lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			entries = append(entries, line)
			continue
		}
		if !filter.passes(&entry) {
			continue
		}
		entries = append(entries, formatLogEntry(&entry, color))
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, entry := range entries {
		fmt.Fprintln(out, entry)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

// followLogs implements tail -f behavior for the log file until ctx ends.
func followLogs(ctx context.Context, out io.Writer, logPath string, filter *logFilter, color bool) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	reader := bufio.NewReader(file)
	var partial string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return fmt.Errorf("error reading log file: %w", err)
			}
			// Keep an unterminated line until the rest arrives.
			partial += line
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		line = strings.TrimSpace(partial + line)
		partial = ""
		if line == "" {
			continue
		}

		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		if !filter.passes(&entry) {
			continue
		}
		fmt.Fprintln(out, formatLogEntry(&entry, color))
	}
}
