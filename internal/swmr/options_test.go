package swmr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/swmrcoord/internal/config"
	"github.com/Iron-Ham/swmrcoord/internal/retry"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
)

func TestBuildOptions_Defaults(t *testing.T) {
	o := buildOptions(nil)

	assert.Equal(t, DefaultPingInterval, o.pingInterval)
	assert.Equal(t, DefaultStaleThreshold, o.staleThreshold)
	assert.Equal(t, DefaultBlockingMessage, o.blockingMessage)
	assert.Equal(t, DefaultPollInterval, o.pollInterval)
	assert.Equal(t, DefaultMaxProcesses, o.maxProcesses)
	assert.Equal(t, retry.DefaultDelays, o.retryDelays)
	assert.Equal(t, config.DefaultShmDir(), o.shmDir)
	assert.NotNil(t, o.bus)
	assert.NotNil(t, o.notifier)
	assert.IsType(t, &storage.RecordFile{}, o.backend)
}

func TestBuildOptions_IgnoresInvalidValues(t *testing.T) {
	o := buildOptions([]Option{
		WithHeartbeat(0, -1),
		WithPollInterval(0),
		WithMaxProcesses(0),
		WithRetryDelays(nil),
		WithShmDir(""),
		WithLogger(nil),
	})

	assert.Equal(t, DefaultPingInterval, o.pingInterval)
	assert.Equal(t, DefaultStaleThreshold, o.staleThreshold)
	assert.Equal(t, DefaultPollInterval, o.pollInterval)
	assert.Equal(t, DefaultMaxProcesses, o.maxProcesses)
	assert.Equal(t, retry.DefaultDelays, o.retryDelays)
	assert.NotEmpty(t, o.shmDir)
	assert.NotNil(t, o.logger)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Heartbeat.PingIntervalMs = 200
	cfg.Heartbeat.StaleThresholdMs = 900
	cfg.Wait.BlockingMessageMs = 0
	cfg.Wait.PollIntervalMs = 10
	cfg.Registry.MaxProcesses = 7
	cfg.Retry.DelaysMs = []int{0, 1}
	cfg.Paths.ShmDir = t.TempDir()
	cfg.Storage.Compression = "zstd"

	o := buildOptions(OptionsFromConfig(cfg))

	assert.Equal(t, 200*time.Millisecond, o.pingInterval)
	assert.Equal(t, 900*time.Millisecond, o.staleThreshold)
	assert.Zero(t, o.blockingMessage)
	assert.Equal(t, 10*time.Millisecond, o.pollInterval)
	assert.Equal(t, 7, o.maxProcesses)
	assert.Equal(t, []time.Duration{0, time.Millisecond}, o.retryDelays)
	assert.Equal(t, cfg.Paths.ShmDir, o.shmDir)
	require.IsType(t, &storage.RecordFile{}, o.backend)
}

func TestOptionsFromConfig_Nil(t *testing.T) {
	o := buildOptions(OptionsFromConfig(nil))
	assert.Equal(t, DefaultPingInterval, o.pingInterval)
	assert.Equal(t, DefaultMaxProcesses, o.maxProcesses)
}
