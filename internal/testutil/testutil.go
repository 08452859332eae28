// Package testutil provides testing utilities for swmrcoord tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TempShmDir returns a private directory for coordination segments. It is
// removed when the test completes, together with any segment a crashed
// client left behind.
func TempShmDir(t *testing.T) string {
	t.Helper()
	return resolved(t, t.TempDir())
}

// TempDataPath returns the canonical path of a not yet existing data file
// named name in a fresh temporary directory. The directory's symlinks are
// resolved so the path equals what clients canonicalize it to.
func TempDataPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(resolved(t, t.TempDir()), name)
}

// IsolateConfig points the config directory at an empty temporary one and
// disables colour, so neither the user's configuration nor the terminal
// leaks into a test.
func IsolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("NO_COLOR", "1")
	return dir
}

// WriteLines writes lines to path, each terminated by a newline.
func WriteLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	data := strings.Join(lines, "\n")
	if len(lines) > 0 {
		data += "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// SkipIfNoGolangciLint skips the test if golangci-lint is not installed.
func SkipIfNoGolangciLint(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		t.Skip("golangci-lint not found in PATH, skipping test")
	}
}

func resolved(t *testing.T, dir string) string {
	t.Helper()
	r, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("failed to resolve %s: %v", dir, err)
	}
	return r
}
