// Package relay runs the background delivery loops that complement the
// sequencer: the outbound queue poller and the single-user fallback relay
// for assistant messages produced outside a turn.
package relay

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultOutboxInterval = 1 * time.Second
	DefaultOutboxLimit    = 10
	DefaultSendPause      = 500 * time.Millisecond

	DefaultReplyInterval = 3 * time.Second
	DefaultReplyLimit    = 10
	DefaultSeedLimit     = 50
	DefaultClaimDelay    = 3 * time.Second
)

// Opts holds configuration options shared by the relays. Zero values take the
// defaults of the relay being built.
type Opts struct {
	Interval   time.Duration
	Limit      int
	SendPause  time.Duration
	ClaimDelay time.Duration
	Logger     *slog.Logger
}

// Option defines a configuration option for a relay.
type Option func(*Opts)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// WithLimit sets how many rows one poll reads.
func WithLimit(n int) Option {
	return func(o *Opts) { o.Limit = n }
}

// WithSendPause sets the pause between consecutive outbound sends.
func WithSendPause(d time.Duration) Option {
	return func(o *Opts) { o.SendPause = d }
}

// WithClaimDelay sets how long the fallback relay waits before delivering,
// giving the sequencer time to claim the message.
func WithClaimDelay(d time.Duration) Option {
	return func(o *Opts) { o.ClaimDelay = d }
}

// WithLogger sets the relay's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

func buildOpts(defaults Opts, opts []Option) Opts {
	cfg := defaults
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaults.Limit
	}
	if cfg.SendPause < 0 {
		cfg.SendPause = 0
	}
	if cfg.ClaimDelay < 0 {
		cfg.ClaimDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
