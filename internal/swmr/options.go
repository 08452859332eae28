package swmr

import (
	"time"

	"github.com/Iron-Ham/swmrcoord/internal/config"
	"github.com/Iron-Ham/swmrcoord/internal/event"
	"github.com/Iron-Ham/swmrcoord/internal/logging"
	"github.com/Iron-Ham/swmrcoord/internal/retry"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
)

// Default timing and capacity values, matching config.Default.
const (
	DefaultPingInterval    = 1000 * time.Millisecond
	DefaultStaleThreshold  = 3000 * time.Millisecond
	DefaultBlockingMessage = 500 * time.Millisecond
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultMaxProcesses    = 100
	DefaultEventBuffer     = 16
)

// options holds everything a client reads once at construction.
type options struct {
	shmDir          string
	pingInterval    time.Duration
	staleThreshold  time.Duration
	blockingMessage time.Duration
	pollInterval    time.Duration
	maxProcesses    int
	retryDelays     []time.Duration

	backend  storage.Backend
	logger   *logging.Logger
	bus      *event.Bus
	notifier *shm.Notifier
	group    *Group

	eventBuffer   int
	postFlushHook func() error

	onRefresh      []func(event.RefreshEvent)
	onCloseRequest []func(event.CloseRequestedEvent)
}

// Option configures a client opened with OpenWriter or OpenReader.
type Option func(*options)

func defaultOptions() options {
	return options{
		shmDir:          config.DefaultShmDir(),
		pingInterval:    DefaultPingInterval,
		staleThreshold:  DefaultStaleThreshold,
		blockingMessage: DefaultBlockingMessage,
		pollInterval:    DefaultPollInterval,
		maxProcesses:    DefaultMaxProcesses,
		retryDelays:     retry.DefaultDelays,
		logger:          logging.NopLogger(),
		eventBuffer:     DefaultEventBuffer,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == nil {
		o.backend = storage.NewRecordFile()
	}
	if o.notifier == nil {
		o.notifier = shm.DefaultNotifier()
	}
	if o.bus == nil {
		o.bus = event.NewBus()
		o.bus.SetLogger(o.logger)
	}
	return o
}

// WithShmDir sets the directory holding segment files and the global lock.
func WithShmDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.shmDir = dir
		}
	}
}

// WithHeartbeat sets the ping interval and the staleness threshold.
// Non-positive values keep the current setting.
func WithHeartbeat(ping, stale time.Duration) Option {
	return func(o *options) {
		if ping > 0 {
			o.pingInterval = ping
		}
		if stale > 0 {
			o.staleThreshold = stale
		}
	}
}

// WithBlockingMessage sets how often a blocked open logs a warning.
// Zero disables the warnings.
func WithBlockingMessage(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.blockingMessage = d
		}
	}
}

// WithPollInterval bounds the sleep between predicate checks of a wait.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxProcesses sets the registry capacity of a newly created segment.
func WithMaxProcesses(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxProcesses = n
		}
	}
}

// WithRetryDelays sets the retry schedule for data file operations.
func WithRetryDelays(delays []time.Duration) Option {
	return func(o *options) {
		if len(delays) > 0 {
			o.retryDelays = append([]time.Duration(nil), delays...)
		}
	}
}

// WithBackend sets the storage backend. The default is a RecordFile.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithLogger sets the logger. Clients derive a child logger carrying the
// file, role and client ID.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBus publishes the client's events on bus instead of a private one.
func WithBus(bus *event.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithNotifier sets the change notifier. The default is shared process-wide.
func WithNotifier(n *shm.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithGroup adds the client to g on open and removes it on close.
func WithGroup(g *Group) Option {
	return func(o *options) {
		o.group = g
	}
}

// WithEventBuffer sets the capacity of the Events channel. Events that
// would overflow it are dropped and logged; bus subscribers still get them.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.eventBuffer = n
		}
	}
}

// WithPostFlushHook runs fn after a writer flushes on request and before
// the request is cleared.
func WithPostFlushHook(fn func() error) Option {
	return func(o *options) {
		o.postFlushHook = fn
	}
}

// WithRefreshCallback calls fn for every refresh event of the client. fn
// runs on the client's listener goroutine.
func WithRefreshCallback(fn func(event.RefreshEvent)) Option {
	return func(o *options) {
		o.onRefresh = append(o.onRefresh, fn)
	}
}

// WithCloseRequestCallback calls fn when a writer asks the client to close.
// fn runs on the client's listener goroutine and must not call Close
// synchronously, since Close joins the listener.
func WithCloseRequestCallback(fn func(event.CloseRequestedEvent)) Option {
	return func(o *options) {
		o.onCloseRequest = append(o.onCloseRequest, fn)
	}
}

// OptionsFromConfig translates a loaded configuration into client options.
func OptionsFromConfig(cfg *config.Config) []Option {
	if cfg == nil {
		cfg = config.Default()
	}
	opts := []Option{
		WithShmDir(cfg.Paths.ResolveShmDir()),
		WithHeartbeat(cfg.Heartbeat.PingInterval(), cfg.Heartbeat.StaleThreshold()),
		WithBlockingMessage(cfg.Wait.BlockingMessage()),
		WithPollInterval(cfg.Wait.PollInterval()),
		WithMaxProcesses(cfg.Registry.MaxProcesses),
		WithRetryDelays(cfg.Retry.Delays()),
	}

	var rfOpts []storage.RecordFileOption
	if c, err := storage.ParseCompression(cfg.Storage.Compression); err == nil {
		rfOpts = append(rfOpts, storage.WithCompression(c))
	}
	rfOpts = append(rfOpts, storage.WithChunkRecords(cfg.Storage.ChunkRecords))
	opts = append(opts, WithBackend(storage.NewRecordFile(rfOpts...)))
	return opts
}
