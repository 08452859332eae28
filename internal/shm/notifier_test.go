package shm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestNotifier_FireReplacesChannel(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	file := filepath.Join(t.TempDir(), "swmr_test")
	n.Subscribe(file)
	defer n.Unsubscribe(file)

	first := n.Chan(file)
	assert.False(t, closed(first))

	n.Fire(file)
	assert.True(t, closed(first))

	second := n.Chan(file)
	assert.False(t, closed(second), "a new channel is armed after each fire")
}

func TestNotifier_FileWriteEvent(t *testing.T) {
	n := NewNotifier()
	defer n.Close()
	if !n.Watching() {
		t.Skip("fsnotify unavailable")
	}

	file := filepath.Join(t.TempDir(), "swmr_watch")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0644))
	n.Subscribe(file)
	defer n.Unsubscribe(file)

	ch := n.Chan(file)
	// Written through a separate descriptor, as another process would.
	require.NoError(t, os.WriteFile(file, []byte("b"), 0644))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no wakeup from file write")
	}
}

func TestNotifier_UnsubscribeDropsTopic(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	file := filepath.Join(t.TempDir(), "swmr_drop")
	n.Subscribe(file)
	n.Subscribe(file)
	n.Unsubscribe(file)

	n.mu.Lock()
	_, ok := n.topics[file]
	n.mu.Unlock()
	assert.True(t, ok, "still one subscriber")

	n.Unsubscribe(file)
	n.mu.Lock()
	_, ok = n.topics[file]
	n.mu.Unlock()
	assert.False(t, ok)
}

func TestNotifier_CloseRightAfterNew(t *testing.T) {
	for i := 0; i < 200; i++ {
		n := NewNotifier()
		n.Close()
		assert.False(t, n.Watching())
		// A second Close is a no-op.
		n.Close()
	}
}
