// Package watcher turns changes to the Messages store into a single,
// de-duplicated callback stream.
//
// Two sources feed it: filesystem notifications on the store's directory
// (debounced) and a periodic modification-time poll that covers missed or
// unavailable notifications. The callback is always invoked from one
// goroutine, so it never runs concurrently with itself.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultPollInterval = 3 * time.Second
)

var (
	// DefaultStatNames are checked by the mtime poll.
	DefaultStatNames = []string{"chat.db", "chat.db-wal", "chat.db-shm"}
	// DefaultEventNames are the files whose notifications count as a change.
	DefaultEventNames = []string{"chat.db", "chat.db-wal"}
)

// Callback is invoked once per coalesced change.
type Callback func(ctx context.Context)

// Opts holds configuration options for the watcher.
type Opts struct {
	Debounce     time.Duration
	PollInterval time.Duration
	StatNames    []string
	EventNames   []string
	Push         bool
	Logger       *slog.Logger
}

// Option defines a configuration option for the watcher.
type Option func(*Opts)

// WithDebounce sets how long a burst of notifications must be quiet before
// it fires.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) { o.Debounce = d }
}

// WithPollInterval sets the mtime poll period.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithWatchedNames overrides the file names used by the poll and by the
// notification filter.
func WithWatchedNames(statNames, eventNames []string) Option {
	return func(o *Opts) {
		o.StatNames = statNames
		o.EventNames = eventNames
	}
}

// WithPush enables or disables filesystem notifications. With push disabled
// the watcher relies on polling alone.
func WithPush(enabled bool) Option {
	return func(o *Opts) { o.Push = enabled }
}

// WithLogger sets the watcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// Watcher merges push and poll change signals for one directory.
type Watcher struct {
	dir        string
	callback   Callback
	debounce   time.Duration
	interval   time.Duration
	statNames  []string
	eventNames map[string]struct{}
	push       bool
	logger     *slog.Logger

	// pending is the one-slot "something changed" flag.
	pending chan struct{}
}

// New creates a watcher for dir. The callback runs on the goroutine that calls Run.
func New(dir string, callback Callback, opts ...Option) *Watcher {
	cfg := Opts{
		Debounce:     DefaultDebounce,
		PollInterval: DefaultPollInterval,
		StatNames:    DefaultStatNames,
		EventNames:   DefaultEventNames,
		Push:         true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	names := make(map[string]struct{}, len(cfg.EventNames))
	for _, n := range cfg.EventNames {
		names[n] = struct{}{}
	}
	return &Watcher{
		dir:        dir,
		callback:   callback,
		debounce:   cfg.Debounce,
		interval:   cfg.PollInterval,
		statNames:  cfg.StatNames,
		eventNames: names,
		push:       cfg.Push,
		logger:     logger,
		pending:    make(chan struct{}, 1),
	}
}

// Trigger marks the store as changed. Multiple triggers before the consumer
// runs collapse into one callback.
func (w *Watcher) Trigger() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, invoking the callback for each coalesced
// change. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if w.push {
		if fsw, err := w.startNotify(); err != nil {
			w.logger.Warn("Watcher.Run: filesystem notifications unavailable, polling only", "dir", w.dir, "error", err)
		} else {
			done := make(chan struct{})
			go func() {
				defer close(done)
				w.pushLoop(ctx, fsw)
			}()
			defer func() {
				<-done
			}()
		}
	}

	last := w.maxModTime()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("Watcher.Run: watching for store changes", "dir", w.dir, "push", w.push, "poll_interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Watcher.Run: context cancelled, stopping")
			return nil
		case <-w.pending:
			last = w.fire(ctx)
		case <-ticker.C:
			current := w.maxModTime()
			if !current.After(last) {
				continue
			}
			w.logger.Debug("Watcher.Run: poll detected change", "mtime", current)
			last = w.fire(ctx)
		}
	}
}

// fire runs the callback once. The returned mtime is sampled before the
// callback, so writes that land while it runs are picked up by the next poll.
func (w *Watcher) fire(ctx context.Context) time.Time {
	select {
	case <-w.pending:
	default:
	}
	seen := w.maxModTime()
	if ctx.Err() != nil {
		return seen
	}
	w.callback(ctx)
	return seen
}

func (w *Watcher) startNotify() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return fsw, nil
}

// pushLoop debounces notifications for watched names into the pending flag.
func (w *Watcher) pushLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, watched := w.eventNames[filepath.Base(ev.Name)]; !watched {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.Trigger()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher.pushLoop: notification error", "error", err)
		}
	}
}

// maxModTime returns the newest mtime among the poll names. Missing files are
// ignored.
func (w *Watcher) maxModTime() time.Time {
	var max time.Time
	for _, name := range w.statNames {
		fi, err := os.Stat(filepath.Join(w.dir, name))
		if err != nil {
			continue
		}
		if mt := fi.ModTime(); mt.After(max) {
			max = mt
		}
	}
	return max
}
