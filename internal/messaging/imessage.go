package messaging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/util"
)

const (
	DefaultScriptTimeout = 15 * time.Second
	DefaultMaxAttempts   = 3
	DefaultRetryDelay    = 2 * time.Second
	DefaultMinPause      = 1800 * time.Millisecond
	DefaultMaxPause      = 2500 * time.Millisecond
)

// ScriptRunner executes one AppleScript program.
type ScriptRunner func(ctx context.Context, script string) error

// RunOsascript runs script with the system osascript binary.
func RunOsascript(ctx context.Context, script string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("osascript: %w: %s", err, msg)
		}
		return fmt.Errorf("osascript: %w", err)
	}
	return nil
}

// IMessageOpts holds configuration options for IMessageSender.
type IMessageOpts struct {
	Runner        ScriptRunner
	ScriptTimeout time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
	MinPause      time.Duration
	MaxPause      time.Duration
	Logger        *slog.Logger
}

// IMessageOption defines a configuration option for IMessageSender.
type IMessageOption func(*IMessageOpts)

// WithScriptRunner replaces osascript, mainly for tests.
func WithScriptRunner(r ScriptRunner) IMessageOption {
	return func(o *IMessageOpts) { o.Runner = r }
}

// WithRetry sets per-chunk attempts and the delay between them.
func WithRetry(attempts int, delay time.Duration) IMessageOption {
	return func(o *IMessageOpts) {
		o.MaxAttempts = attempts
		o.RetryDelay = delay
	}
}

// WithPacing sets the random pause range between bubbles.
func WithPacing(min, max time.Duration) IMessageOption {
	return func(o *IMessageOpts) {
		o.MinPause = min
		o.MaxPause = max
	}
}

// WithScriptTimeout bounds a single osascript invocation.
func WithScriptTimeout(d time.Duration) IMessageOption {
	return func(o *IMessageOpts) { o.ScriptTimeout = d }
}

// WithIMessageLogger sets the sender's logger.
func WithIMessageLogger(l *slog.Logger) IMessageOption {
	return func(o *IMessageOpts) { o.Logger = l }
}

// IMessageSender sends through Messages.app using AppleScript. A reply is
// formatted with StripMarkdown, split into bubbles and sent one bubble at a
// time with a short human-feeling pause in between.
type IMessageSender struct {
	run           ScriptRunner
	scriptTimeout time.Duration
	attempts      int
	retryDelay    time.Duration
	minPause      time.Duration
	maxPause      time.Duration
	logger        *slog.Logger
}

var _ Sender = (*IMessageSender)(nil)

// NewIMessageSender creates an iMessage sender.
func NewIMessageSender(opts ...IMessageOption) *IMessageSender {
	cfg := IMessageOpts{
		Runner:        RunOsascript,
		ScriptTimeout: DefaultScriptTimeout,
		MaxAttempts:   DefaultMaxAttempts,
		RetryDelay:    DefaultRetryDelay,
		MinPause:      DefaultMinPause,
		MaxPause:      DefaultMaxPause,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IMessageSender{
		run:           cfg.Runner,
		scriptTimeout: cfg.ScriptTimeout,
		attempts:      cfg.MaxAttempts,
		retryDelay:    cfg.RetryDelay,
		minPause:      cfg.MinPause,
		maxPause:      cfg.MaxPause,
		logger:        logger,
	}
}

// SendScript builds the AppleScript that sends text to a buddy on the
// iMessage service.
func SendScript(to, text string) string {
	return fmt.Sprintf(`tell application "Messages" to send "%s" to buddy "%s" of (1st account whose service type = iMessage)`,
		EscapeAppleScript(text), EscapeAppleScript(to))
}

// Send delivers text as one or more bubbles. It fails on the first bubble
// that cannot be sent after all attempts.
func (s *IMessageSender) Send(ctx context.Context, to, text string) error {
	clean := StripMarkdown(text)
	if clean == "" {
		s.logger.Warn("IMessageSender.Send: empty message after formatting", "to", to)
		return ErrEmptyMessage
	}
	chunks := SplitConversational(clean)
	s.logger.Info("IMessageSender.Send: sending", "to", to, "bubbles", len(chunks), "chars", len(clean))

	for i, chunk := range chunks {
		if err := s.sendChunk(ctx, to, chunk); err != nil {
			return fmt.Errorf("bubble %d/%d to %s: %w", i+1, len(chunks), to, err)
		}
		if i < len(chunks)-1 {
			if err := sleepCtx(ctx, util.RandomDuration(s.minPause, s.maxPause)); err != nil {
				return err
			}
		}
	}
	s.logger.Debug("IMessageSender.Send: delivered", "to", to, "bubbles", len(chunks))
	return nil
}

func (s *IMessageSender) sendChunk(ctx context.Context, to, chunk string) error {
	script := SendScript(to, chunk)
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, s.scriptTimeout)
		err := s.run(runCtx, script)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		s.logger.Warn("IMessageSender.sendChunk: attempt failed", "to", to, "attempt", attempt, "max_attempts", s.attempts, "error", err)
		if attempt < s.attempts {
			if err := sleepCtx(ctx, s.retryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", s.attempts, lastErr)
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
