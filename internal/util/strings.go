// Package util provides shared string helpers for terminal output.
package util

import (
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// TruncatePath shortens a path to maxLen runes by dropping leading
// directories, so the file name stays visible: "/very/long/dir/run.rec"
// becomes ".../dir/run.rec". A file name longer than maxLen is cut from
// the left as well.
func TruncatePath(path string, maxLen int) string {
	if maxLen <= len(ellipsis) {
		return ellipsis
	}
	runes := []rune(path)
	if len(runes) <= maxLen {
		return path
	}

	sep := string(filepath.Separator)
	parts := strings.Split(path, sep)
	for i := 1; i < len(parts); i++ {
		tail := ellipsis + sep + strings.Join(parts[i:], sep)
		if len([]rune(tail)) <= maxLen {
			return tail
		}
	}
	return ellipsis + string(runes[len(runes)-(maxLen-len(ellipsis)):])
}

// TruncateANSI truncates a string to maxWidth visual columns, adding "..." if truncated.
// This function properly handles ANSI escape codes and wide characters, making it
// suitable for terminal output with styling.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, ellipsis)
}

// ShortID returns the first eight characters of a client ID, enough to tell
// the clients of one file apart.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
